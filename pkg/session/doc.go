/*
Package session implements the session store: load, save, update, renew and
delete over any ports.ConditionalStore.

The store holds no locks and no mutable state. All mutual exclusion is
delegated to the backend's single-key conditional writes:

  - Save writes with PutIfAbsent and retries with a fresh key if the generated
    one is taken, up to a small bound.
  - Update writes with PutIfPresent. If the record has vanished (expired or
    deleted concurrently) the store falls back to Save and returns the new key.
    Callers must propagate a changed key to the client.
  - Renew moves only the expiry attribute. Renewing a session that no longer
    exists is a silent no-op.

A Store is safe for concurrent use by any number of goroutines.
*/
package session
