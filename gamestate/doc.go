/*
Package gamestate holds the in-memory view of the world: a VersionedTable of
entities with per-entity and per-component ticks, and the secondary indices
that are kept in step with it.

The table is the single source for readers of a replica. Changes arrive as
change.Change values stamped with the tick at which they were committed and
are applied idempotently: a change whose tick is not newer than the stored
version is ignored, so replaying a stream, or applying a catch-up over changes
already seen, leaves the table unchanged.

Indices implement Index and are attached through a MetaIndexTable. They are
updated after the table for every change that took effect, so a lookup in an
index never names an entity the table does not hold.

The table is not safe for concurrent use. Owners that share it across
goroutines guard it themselves.
*/
package gamestate
