// Package storage persists the reminder catalog (users, entities, delegations),
// the occurrence ledger and delegation escalation marks.
//
// Drivers: memory, file (journal + snapshot), sqlite and postgres. All of them
// implement claims as single-winner conditional writes.
package storage
