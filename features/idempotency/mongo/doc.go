// Package mongo provides a MongoDB-backed implementation of the
// idempotency store. Build the low-level client via
// features/idempotency/mongo/clients/mongo and pass it to NewStore. Expiry
// rides a TTL index on expires_at; because the Mongo reaper only sweeps
// periodically, the store also filters expired records on read.
package mongo
