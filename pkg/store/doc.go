// Package store persists accepted events and answers relay queries.
//
// # Backends
//
// Two implementations share one contract: MemoryStore, a mutex-guarded map
// used by tests and throwaway nodes, and SQLiteStore, the durable default
// built on modernc.org/sqlite. Both are safe for one writer and many
// concurrent readers, which is exactly the shape the node produces - the
// business logic server is the only writer, the relay only reads.
//
// # Kind semantics
//
// SaveEvent applies the NIP-01 storage classes. Regular events are kept
// forever and deduplicated by id, so replaying a packet is a no-op rather
// than an error. Replaceable kinds (0, 3, 10000-19999) keep one event per
// author and kind; addressable kinds (30000-39999) keep one per author, kind
// and d tag. In both cases the newer created_at wins and a tie keeps the
// lexically smaller id, so two stores that saw the same events in any order
// converge on the same state. Ephemeral kinds (20000-29999) are never
// written; SaveEvent reports them as not stored and the caller forwards them
// to live subscribers only. The KeepEphemeral option exempts selected kinds,
// which the node uses to audit SPSP handshake traffic when configured to.
//
// # Queries
//
// QueryEvents evaluates each filter independently - honoring its own limit -
// and merges the results, deduplicated by id and ordered newest-first with
// the id as tiebreaker. Ids and authors match by hex prefix. The SQLite
// backend translates each filter into one SELECT over the events table and
// an event_tags join table; the memory backend scans. Results are identical
// between the two, and the tests run the same suite against both to keep it
// that way.
package store
