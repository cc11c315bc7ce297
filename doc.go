/*
Package segdb provides a pure-Go embedded storage engine that keeps records
in an append-only log of segments and indexes them with copy-on-write
B+Trees.

Every payload is appended once as a data record. A KeyFormat extracts one key
per index from the payload; index 0 is the primary key and the others are
secondary keys. Each index is a B+Tree whose nodes are themselves records in
the log. A mutation rewrites the path from the leaf to the root and the new
roots become durable at the next checkpoint, when they are written jointly
into the catalogue of the primary segment.

# Recovery

Records appended after the last checkpoint are replayed on open in address
order. A record cut short by a crash ends its segment and is truncated.
Deletes are not records, so a delete made after the last checkpoint is lost
in a crash and the deleted record is replayed.

# Compaction

Superseded records and nodes are flagged as garbage at checkpoint. Compact
moves the live contents of the sealed segment with the lowest utility into
the active segment and deletes it.

# Concurrency

A DB is single-writer. Mutations must be serialized by the caller; reads may
run concurrently with each other but not with a mutation.
*/
package segdb
