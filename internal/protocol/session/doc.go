// Package session owns per-link engine policy.
//
// Ownership boundary:
// - timing and size configuration for one link
// - role and encryption policy validation
// - reconnect backoff for dialing transports
// - the request correlation registry
package session
