// Package memory provides a volatile ports.ConditionalStore, suitable for tests,
// single-replica deployments and local development.
package memory
