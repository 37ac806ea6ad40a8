package frame

import "fmt"

// Splitter walks one encoded frame in chunk-sized steps. It holds a single
// frame at a time; callers queue further frames until HasNext is false.
type Splitter struct {
	limits Limits
	buf    []byte
	off    int
}

func NewSplitter(limits Limits) *Splitter {
	return &Splitter{limits: limits}
}

// Load replaces any remaining data with b.
func (s *Splitter) Load(b []byte) error {
	if len(b) > s.limits.MaxFrameSize {
		return fmt.Errorf("%w: len=%d max=%d", ErrFrameTooLarge, len(b), s.limits.MaxFrameSize)
	}
	s.buf = b
	s.off = 0
	return nil
}

func (s *Splitter) HasNext() bool {
	return s.off < len(s.buf)
}

// NextChunk returns the next chunk, or nil when the frame is exhausted.
func (s *Splitter) NextChunk() []byte {
	if !s.HasNext() {
		return nil
	}
	end := s.off + s.limits.ChunkSize
	if end > len(s.buf) {
		end = len(s.buf)
	}
	chunk := s.buf[s.off:end]
	s.off = end
	return chunk
}

func (s *Splitter) Remaining() int {
	return len(s.buf) - s.off
}

func (s *Splitter) Reset() {
	s.buf = nil
	s.off = 0
}

// Split returns every chunk of b at once.
func Split(b []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+chunkSize-1)/chunkSize)
	for len(b) > 0 {
		n := chunkSize
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
