/*
Package storage persists the resource graph and the runtime snapshot.

Two implementations of Store are provided. MemoryStore keeps the graph in
maps and is used by tests and short-lived commands. BoltStore keeps it in a
single bbolt file with ACID transactions.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  File: <dataDir>/converge.db                               │
	│                                                            │
	│  resources   id -> {type, JSON content}                    │
	│  pk_index    type\x00pk -> id                               │
	│  tags        id\x00tag -> ""                                │
	│  links_out   from\x00type\x00to -> ""                       │
	│  links_in    to\x00type\x00from -> ""                       │
	│  runtime     "snapshot" -> RuntimeSnapshot JSON            │
	└────────────────────────────────────────────────────────────┘

Both stores share applyBatch, so a Batch is applied the same way
everywhere: deletes first (cascading the links and tags of the deleted
resources), then updates, adds, tag and link removals, and finally tag and
link additions. A batch either applies completely or not at all; the memory
store works on a copy of its state and bbolt rolls back the transaction.

# Usage

	store, err := storage.NewBoltStore("/var/lib/converge", reg)
	if err != nil {
		return err
	}
	defer store.Close()

	q := query.New(reg, "Machine").Equals("name", "m1").MustBuild()
	machines, err := store.Find(q)

Stores return copies. Callers may modify what they receive without
affecting the store.

Primary keys are unique per type. An add or update that would give two
resources of one type the same key fails with types.ErrPrimaryKeyCollision.
*/
package storage
