// Package channel runs one link connection as a single-worker actor.
//
// Ownership boundary:
// - the per-connection mailbox and its worker goroutine
// - the ordered handler pipeline and event dispatch
// - write gating toward the transport (one chunk in flight)
// - channel-scoped timers, all stopped at teardown
//
// Every pipeline event, timer firing and transport callback for one channel
// runs on its worker, in the order it was posted.
package channel
