// Package cache implements the versioned response cache shared by every
// worker. Entries live inside named namespaces (prefix + version token); a
// Storage enumerates, opens and deletes namespaces while a Store reads and
// writes request-key → response snapshots inside one namespace. Drivers cover
// the local filesystem (temp file + rename), process memory, SQLite and Redis,
// and an optional LRU hot tier keeps recently served entries in memory without
// ever evicting them from the persistent driver. Workers depend only on the
// interfaces so the fetch engine can be exercised without real storage.
package cache
