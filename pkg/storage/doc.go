/*
Package storage provides the pluggable persistence layer for the measurement registry.

# Storage Interface

The registry records devices, sensor types, measurements and the chunk ledger.
Raw samples never go through this package; they live in flat files managed by
package rawstore, one file per measurement.

Three backends implement Storage:
  - memory: maps behind a mutex, for tests and throwaway runs
  - badger: BadgerDB (LSM tree), the default for the server
  - sqlite: GORM over SQLite, for deployments that want to query the registry with SQL

# Key Layout (badger)

	d/<deviceId>                                   -> Device JSON
	s/<code>\x00<version uint32 BE>                -> SensorType JSON
	m/<measurementId>                              -> Measurement JSON
	c<xxhash64(measurementId)><index uint64 BE><measurementId> -> Chunk JSON

Chunk keys start with the 8-byte hash of the measurement id, so a measurement's
ledger is one contiguous, index-ordered range.

# Chunk Recording

RecordChunk writes the chunk and the measurement counters in a single
transaction. A chunk is therefore never visible without the counts that include
it, and a failed transaction leaves both untouched.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data/registry"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	m, err := store.GetMeasurement(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
	    // unknown measurement
	}
*/
package storage
