// Package feed fans session row changes out to subscribers.
//
// Delivery is latest-wins: a slow subscriber skips intermediate versions and
// always receives the newest row, never an older one after a newer one. The
// Hub is the in-process fan-out; Handler exposes it over websocket and Client
// consumes it with reconnects.
package feed
