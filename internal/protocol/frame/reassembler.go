package frame

// Reassembler accumulates inbound chunks into whole frames.
// Not safe for concurrent use; the owning channel serializes access.
type Reassembler struct {
	maxSize int
	buf     []byte
}

func NewReassembler(maxSize int) *Reassembler {
	return &Reassembler{maxSize: maxSize, buf: make([]byte, 0, HeaderLen)}
}

// Push appends chunk. It returns the frame bytes, trimmed to the header
// length, once a frame completes. The buffer is reset before a frame or an
// error is returned.
func (r *Reassembler) Push(chunk []byte) ([]byte, bool, error) {
	r.buf = append(r.buf, chunk...)
	if len(r.buf) < HeaderLen {
		return nil, false, nil
	}
	h, _ := DecodeHeader(r.buf)
	if err := checkHeader(h, r.maxSize); err != nil {
		r.Reset()
		return nil, false, &DecodeError{SeqID: h.SeqID, Command: h.Command, Err: err}
	}
	total := int(h.TotalLen)
	if len(r.buf) < total {
		return nil, false, nil
	}
	for _, b := range r.buf[total:] {
		if b != 0 {
			r.Reset()
			return nil, false, &DecodeError{SeqID: h.SeqID, Command: h.Command, Err: ErrLengthMismatch}
		}
	}
	out := make([]byte, total)
	copy(out, r.buf[:total])
	r.Reset()
	return out, true, nil
}

// Buffered reports how many bytes of a partial frame are held.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// PendingSeqID is the sequence id of the partial frame, 0 before its header
// has arrived.
func (r *Reassembler) PendingSeqID() uint16 {
	if len(r.buf) < HeaderLen {
		return 0
	}
	h, _ := DecodeHeader(r.buf)
	return h.SeqID
}

func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
