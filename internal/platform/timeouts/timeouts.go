// Package timeouts collects the durations shared by the session server and
// participant coordinators.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown bounds graceful shutdown of HTTP and gRPC servers.
const Shutdown = 5 * time.Second

// Request caps a single participant call to the session server.
const Request = 5 * time.Second

// Tick is the local countdown cadence of a participant coordinator.
const Tick = time.Second

// ClockResync is how often a participant refreshes its server-time offset.
const ClockResync = 30 * time.Second

// PresencePoll is the interval of the bounded participant-list fallback poll.
const PresencePoll = time.Second

// FeedReconnect is the first delay before re-dialing a dropped change feed.
const FeedReconnect = 200 * time.Millisecond

// FeedReconnectMax caps the doubling reconnect delay.
const FeedReconnectMax = 5 * time.Second

// GraceSweep is how often the session server expires abandoned waiting rows.
const GraceSweep = 15 * time.Second
