// Package events provides an in-memory, fire-and-forget pub/sub broker
// used to fan out session change notifications (external changes
// detected, external syncs applied, patches applied through the rpc
// server) to watch_changes subscribers. The undo, redo, compaction and
// close event types are defined but nothing in this module publishes
// them. Delivery is best-effort: a subscriber with a full buffer
// skips an event rather than blocking the publisher.
package events
