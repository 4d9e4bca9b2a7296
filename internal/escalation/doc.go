// Package escalation reminds both parties of a delegated task as its deadline
// approaches.
//
// A sweep walks every open delegation. Each configured threshold that the
// remaining time has crossed is marked in storage (insert-if-absent) before
// anything is sent, so a threshold notifies at most once even when a sweep
// fails halfway and is rerun. A delegation past its deadline gets a single
// overdue notice and is moved to the overdue status.
package escalation
