package protocol

import "sync/atomic"

const (
	SeqNone uint16 = 0
	SeqMin  uint16 = 32767
	SeqMax  uint16 = 65534
)

const seqSpan = uint32(SeqMax-SeqMin) + 1

// Sequence allocates ids from [SeqMin, SeqMax], wrapping to SeqMin.
// Safe for concurrent use.
type Sequence struct {
	n atomic.Uint32
}

func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) Next() uint16 {
	// 2^32 is a multiple of seqSpan, so counter overflow keeps the cycle.
	v := s.n.Add(1) - 1
	return SeqMin + uint16(v%seqSpan)
}

// InRange reports whether seq could have come from a Sequence.
func InRange(seq uint16) bool {
	return seq >= SeqMin && seq <= SeqMax
}
