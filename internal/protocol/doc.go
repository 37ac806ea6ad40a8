// Package protocol owns the link contract shared by every engine layer.
//
// Ownership boundary:
// - command, error code and platform identifiers
// - typed protocol errors and error kinds
// - sequence id allocation
// - the decoded Message unit
//
// Wire-level primitives live in the subpackages:
// - frame: fixed header, chunk splitting and reassembly
// - wire: protobuf field codec for payloads
// - schema: payload structures and required-field validation
// - session: timing configuration and request correlation
package protocol
