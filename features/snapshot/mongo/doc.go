// Package mongo provides a MongoDB-backed implementation of the snapshot
// store. Build the low-level client via features/snapshot/mongo/clients/mongo
// and pass it to NewStore. A unique (stream, version) index makes Save
// idempotent under retries.
package mongo
