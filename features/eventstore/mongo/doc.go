// Package mongo provides a MongoDB-backed implementation of the event
// store. Build the low-level client via features/eventstore/mongo/clients/mongo
// and pass it to NewStore. Appends rely on a unique (stream, version) index
// instead of multi-document transactions, so the store works against
// standalone Mongo deployments as well as replica sets.
package mongo
