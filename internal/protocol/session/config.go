package session

import (
	"time"

	"github.com/danmuck/bluesync/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link timing and size defaults.
type Config struct {
	ChunkSize    int
	MaxFrameSize int
	// RequestTimeout applies to requests sent without an explicit timeout.
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	// AuthDelay is how long the initiator waits after connect before AUTH.
	AuthDelay time.Duration
	// Encrypt is the initiator's request for a session key.
	Encrypt           bool
	RequireEncryption bool
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:        frame.DefaultChunk,
		MaxFrameSize:     frame.DefaultMax,
		RequestTimeout:   5 * time.Second,
		WriteTimeout:     time.Second,
		ReadTimeout:      time.Second,
		HandshakeTimeout: 4 * time.Second,
		AuthDelay:        500 * time.Millisecond,
		Encrypt:          true,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Limits() frame.Limits {
	return frame.Limits{ChunkSize: c.ChunkSize, MaxFrameSize: c.MaxFrameSize}
}
