package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/bluesync/internal/auth"
)

// Role selects which half of the handshake a link runs.
type Role string

const (
	// RoleInitiator proves its identity: it sends AUTH and INIT requests.
	RoleInitiator Role = "initiator"
	// RoleResponder verifies the challenge and issues the session key.
	RoleResponder Role = "responder"
)

var (
	ErrInvalidRole         = errors.New("session: invalid role")
	ErrInvalidPresharedKey = errors.New("session: preshared key must be 16, 24 or 32 bytes")
	ErrEncryptionRequired  = errors.New("session: encryption required")
	ErrInvalidTimeout      = errors.New("session: timeout must be positive")
	ErrInvalidSize         = errors.New("session: invalid size")
	ErrMissingSerial       = errors.New("session: initiator serial number is required")
)

func NormalizeRole(role Role) Role {
	return Role(strings.ToLower(strings.TrimSpace(string(role))))
}

// Validate checks sizes and timeouts shared by both roles.
func (c Config) Validate() error {
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	if c.ChunkSize > c.MaxFrameSize {
		return fmt.Errorf("%w: chunk_size=%d exceeds max_frame_size=%d", ErrInvalidSize, c.ChunkSize, c.MaxFrameSize)
	}
	timeouts := []struct {
		name string
		d    int64
	}{
		{"request_timeout", int64(c.RequestTimeout)},
		{"write_timeout", int64(c.WriteTimeout)},
		{"read_timeout", int64(c.ReadTimeout)},
		{"handshake_timeout", int64(c.HandshakeTimeout)},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidTimeout, t.name)
		}
	}
	if c.AuthDelay < 0 {
		return fmt.Errorf("%w: auth_delay", ErrInvalidTimeout)
	}
	return nil
}

// ValidateRole checks c and the key material for the given role.
func (c Config) ValidateRole(role Role, psk []byte) error {
	switch NormalizeRole(role) {
	case RoleInitiator, RoleResponder:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if !auth.ValidKey(psk) {
		return ErrInvalidPresharedKey
	}
	if NormalizeRole(role) == RoleInitiator && c.RequireEncryption && !c.Encrypt {
		return ErrEncryptionRequired
	}
	return nil
}

// ValidateIdentity checks what role must present during AUTH. The responder
// binds its challenge check to the initiator's serial number, so an
// initiator without one can never complete a handshake.
func ValidateIdentity(role Role, serial string) error {
	if NormalizeRole(role) == RoleInitiator && strings.TrimSpace(serial) == "" {
		return ErrMissingSerial
	}
	return nil
}
