// Package mongo provides a MongoDB-backed implementation of the dead-letter
// store. Build the low-level client via
// features/deadletter/mongo/clients/mongo and pass it to NewStore. Paginated
// browsing rides the (origin_queue, failed_at) index; requeueing removes the
// letter atomically via findAndModify.
package mongo
