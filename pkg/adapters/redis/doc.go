// Package redis provides a ports.ConditionalStore backed by Redis hashes,
// with conditional writes implemented as atomic Lua scripts.
package redis
