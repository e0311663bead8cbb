// Package httpapi exposes the session server over HTTP and provides the
// matching client used by participant processes.
package httpapi
