// Package scheduler runs the reminder loop.
//
// The loop keeps a min-heap of upcoming work (fires, content pre-generation
// triggers and escalation sweeps), sleeps until the earliest item or the next
// rescan, and hands due work to the task engine. Fires that become due
// together are dispatched as one batch. The working set is rebuilt from
// storage on every rescan, so catalog edits land within one rescan interval.
package scheduler
