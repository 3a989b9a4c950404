// Package mongo provides a MongoDB-backed implementation of the flow
// snapshot store. Build the low-level client via
// features/flow/mongo/clients/mongo and pass it to NewStore. Documents are
// keyed by flow id and replaced wholesale on save; the engine's single
// writer per flow makes last-writer-wins safe.
package mongo
