// Package handler holds the protocol stages of a link pipeline.
//
// FrameDecoder turns transport chunks into whole frames. MessageCoder sits
// after it and runs the AUTH, INIT, READY handshake for one role; once READY
// it encrypts and decrypts every payload with the negotiated session key and
// forwards decoded messages to the application stages.
package handler
