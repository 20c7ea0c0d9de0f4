/*
Package domain contains the core session model and the error taxonomy shared by
every layer of tessera.

It is kept free of I/O and backend concerns: adapters translate their own error
shapes into the sentinels defined here, and the session package is the only
consumer allowed to see ErrConditionFailed.

# Key Entities

  - Payload: the string-to-string mapping a session carries.
  - Record: a payload bound to its key and absolute expiry.
  - StorageError: a terminal backend failure, matching ErrStorage.
*/
package domain
