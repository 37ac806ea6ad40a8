// Package endpoint is the application side of a link: it attaches a
// transport, builds the protocol pipeline, tracks connection state and
// correlates requests with their responses.
package endpoint
