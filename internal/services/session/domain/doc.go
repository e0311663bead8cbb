// Package domain holds the session lifecycle model: statuses and their legal
// edges, the durable Session row, server-planned patches, grace and billing
// arithmetic, and the recording-consent rules.
//
// Everything here is pure. Storage, clocks and transport live in the packages
// that call it.
package domain
