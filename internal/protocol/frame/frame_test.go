package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/bluesync/internal/testutil/testlog"
)

func TestDecodeKnownHeaderBytes(t *testing.T) {
	testlog.Start(t)
	raw := []byte{0xFE, 0x01, 0x00, 0x0C, 0x00, 0x15, 0x7F, 0xFF, 0xDE, 0xAD, 0xBE, 0xEF}
	f, err := Decode(raw, DefaultMax)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Header{Magic: Magic, TotalLen: 12, Command: 0x0015, SeqID: 0x7FFF}
	if f.Header != want {
		t.Fatalf("header mismatch: got=%+v want=%+v", f.Header, want)
	}
	if !bytes.Equal(f.Payload, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("payload mismatch: %x", f.Payload)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte("hello over gatt")
	b, err := Encode(0x0017, 40001, payload, DefaultMax)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(b, DefaultMax)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Header.Command != 0x0017 || f.Header.SeqID != 40001 || int(f.Header.TotalLen) != HeaderLen+len(payload) {
		t.Fatalf("header mismatch: %+v", f.Header)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(0x0015, 1, make([]byte, 64), 32)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeHeader([]byte{0xFE, 0x01, 0x00}); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestSplitFortyFiveBytesIntoTwentyByteChunks(t *testing.T) {
	testlog.Start(t)
	msg := make([]byte, 45)
	for i := range msg {
		msg[i] = byte(i + 1)
	}
	s := NewSplitter(Limits{ChunkSize: 20, MaxFrameSize: DefaultMax})
	if err := s.Load(msg); err != nil {
		t.Fatalf("load: %v", err)
	}
	var sizes []int
	var joined []byte
	for s.HasNext() {
		if s.Remaining() != len(msg)-len(joined) {
			t.Fatalf("remaining got=%d want=%d", s.Remaining(), len(msg)-len(joined))
		}
		c := s.NextChunk()
		sizes = append(sizes, len(c))
		joined = append(joined, c...)
	}
	if len(sizes) != 3 || sizes[0] != 20 || sizes[1] != 20 || sizes[2] != 5 {
		t.Fatalf("unexpected chunk sizes: %v", sizes)
	}
	if !bytes.Equal(joined, msg) {
		t.Fatalf("joined chunks mismatch")
	}
	if s.NextChunk() != nil || s.Remaining() != 0 {
		t.Fatalf("expected nil chunk after exhaustion")
	}
}

func TestSplitterLoadRejectsOversize(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter(Limits{ChunkSize: 20, MaxFrameSize: 16})
	if err := s.Load(make([]byte, 17)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if s.HasNext() {
		t.Fatalf("rejected load must not leave data queued")
	}
}

func TestReassembleSplitRoundTripAcrossChunkSizes(t *testing.T) {
	testlog.Start(t)
	payload := bytes.Repeat([]byte("bluesync"), 40)
	b, err := Encode(0x0016, 32767, payload, DefaultMax)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, size := range []int{1, 3, 7, 8, 19, 20, 64, len(b), len(b) + 5} {
		r := NewReassembler(DefaultMax)
		var got []byte
		var done int
		for _, c := range Split(b, size) {
			out, complete, err := r.Push(c)
			if err != nil {
				t.Fatalf("chunk=%d push: %v", size, err)
			}
			if complete {
				done++
				got = out
			}
		}
		if done != 1 || !bytes.Equal(got, b) {
			t.Fatalf("chunk=%d reassembly mismatch done=%d", size, done)
		}
		if r.Buffered() != 0 {
			t.Fatalf("chunk=%d buffer not reset: %d", size, r.Buffered())
		}
	}
}

func TestReassemblerHeaderOnlyFrameCompletes(t *testing.T) {
	testlog.Start(t)
	b, _ := Encode(0x0017, 33333, nil, DefaultMax)
	r := NewReassembler(DefaultMax)
	out, complete, err := r.Push(b)
	if err != nil || !complete || len(out) != HeaderLen {
		t.Fatalf("header-only frame: complete=%v len=%d err=%v", complete, len(out), err)
	}
}

func TestReassemblerAcceptsZeroPadding(t *testing.T) {
	testlog.Start(t)
	b, _ := Encode(0x0015, 33000, []byte{1, 2, 3}, DefaultMax)
	padded := append(append([]byte(nil), b...), 0, 0, 0, 0, 0)
	r := NewReassembler(DefaultMax)
	out, complete, err := r.Push(padded)
	if err != nil || !complete {
		t.Fatalf("padded frame rejected: complete=%v err=%v", complete, err)
	}
	if !bytes.Equal(out, b) {
		t.Fatalf("padding not trimmed: %x", out)
	}
}

func TestReassemblerRejectsNonZeroExcess(t *testing.T) {
	testlog.Start(t)
	b, _ := Encode(0x0015, 33001, []byte{1, 2, 3}, DefaultMax)
	extra := append(append([]byte(nil), b...), 0, 7)
	r := NewReassembler(DefaultMax)
	_, complete, err := r.Push(extra)
	if complete || !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, complete=%v err=%v", complete, err)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.SeqID != 33001 {
		t.Fatalf("expected decode error with seq, got %v", err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("buffer not reset after error")
	}
}

func TestReassemblerRejectsBadMagic(t *testing.T) {
	testlog.Start(t)
	r := NewReassembler(DefaultMax)
	if _, _, err := r.Push([]byte{0xFE, 0x02, 0x00}); err != nil {
		t.Fatalf("partial header must not fail: %v", err)
	}
	_, _, err := r.Push([]byte{0x0C, 0x00, 0x15, 0x7F, 0xFF})
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReassemblerRejectsOversizeAndUndersize(t *testing.T) {
	testlog.Start(t)
	r := NewReassembler(64)
	over := EncodeHeader(Header{Magic: Magic, TotalLen: 65, Command: 0x15, SeqID: 40000})
	if _, _, err := r.Push(over); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	under := EncodeHeader(Header{Magic: Magic, TotalLen: 4, Command: 0x15, SeqID: 40000})
	if _, _, err := r.Push(under); !errors.Is(err, ErrLengthTooSmall) {
		t.Fatalf("expected ErrLengthTooSmall, got %v", err)
	}
}

func TestReassemblerPendingSeqID(t *testing.T) {
	testlog.Start(t)
	b, _ := Encode(0x0015, 45678, make([]byte, 30), DefaultMax)
	r := NewReassembler(DefaultMax)
	r.Push(b[:4])
	if got := r.PendingSeqID(); got != 0 {
		t.Fatalf("seq before header got=%d want=0", got)
	}
	r.Push(b[4:12])
	if got := r.PendingSeqID(); got != 45678 {
		t.Fatalf("seq after header got=%d want=45678", got)
	}
	r.Reset()
	if r.Buffered() != 0 || r.PendingSeqID() != 0 {
		t.Fatalf("reset left state behind")
	}
}

func TestLimitsValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("default limits invalid: %v", err)
	}
	if err := (Limits{ChunkSize: 0, MaxFrameSize: 100}).Validate(); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("expected ErrInvalidLimits, got %v", err)
	}
	if err := (Limits{ChunkSize: 20, MaxFrameSize: 70000}).Validate(); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("expected ErrInvalidLimits for max, got %v", err)
	}
}
