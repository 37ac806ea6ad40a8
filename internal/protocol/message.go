package protocol

import "fmt"

// Payload is a schema structure that knows its own wire encoding.
type Payload interface {
	Marshal() []byte
}

// Message is the decoded, application-visible unit of one frame.
type Message struct {
	SeqID   uint16
	Command CommandID
	Payload Payload
}

func (m Message) String() string {
	return fmt.Sprintf("seq=%d cmd=%s payload=%T", m.SeqID, m.Command, m.Payload)
}

// Body returns the encoded payload, empty when Payload is nil.
func (m Message) Body() []byte {
	if m.Payload == nil {
		return nil
	}
	return m.Payload.Marshal()
}
