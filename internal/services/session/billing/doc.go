// Package billing settles finished sessions exactly once.
//
// Finalizer collapses concurrent calls in process with singleflight and across
// processes with a durable settlement claim, then delegates the monetary
// movement to a Ledger. LocalLedger is the bundled ledger backed by the
// session database.
package billing
