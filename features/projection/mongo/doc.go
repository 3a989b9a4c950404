// Package mongo provides a MongoDB-backed implementation of the projection
// checkpoint store. Build the low-level client via
// features/projection/mongo/clients/mongo and pass it to NewCheckpointStore.
// Checkpoints are tiny single documents upserted by projection name, so a
// runner restarting on another node resumes from the last persisted
// position.
package mongo
