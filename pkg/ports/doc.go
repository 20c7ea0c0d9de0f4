/*
Package ports defines the driven port between the session store and the
key-value engines that back it.

The only assumption made about a backend is that it offers single-item get,
single-item conditional put keyed on existence, single-attribute update,
single-item delete, and some per-item expiry it evaluates on its own.

# Key Types

  - ConditionalStore: the five single-key primitives.
  - Item: the attribute map written to and read from a backend.
  - Schema: collection and attribute names shared by adapters and the store.
*/
package ports
