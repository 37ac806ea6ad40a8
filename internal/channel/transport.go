package channel

// Transport is the link primitive a channel drives.
type Transport interface {
	// Bind installs the receiver for link callbacks. It is called once,
	// before any other method. The transport reports Connected once the
	// link can carry chunks.
	Bind(r Receiver)
	// SendChunk starts one write. The channel keeps at most one write
	// outstanding and waits for Receiver.WriteCompleted before the next.
	SendChunk(b []byte) error
	Disconnect() error
}

// Receiver is the callback surface a transport reports into. Methods may be
// called from any goroutine and must not block.
type Receiver interface {
	Connected()
	ChunkReceived(b []byte)
	WriteCompleted(err error)
	Disconnected(reason error)
}
