package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/bluesync/internal/auth"
	"github.com/danmuck/bluesync/internal/protocol"
	"github.com/danmuck/bluesync/internal/protocol/session"
	pelletier "github.com/pelletier/go-toml/v2"
)

var (
	ErrMissingRole     = errors.New("config: role is required")
	ErrMissingSerial   = errors.New("config: initiator identity.serial_no is required")
	ErrInvalidAttempts = errors.New("config: link.dial_attempts must not be negative")
)

// LinkConfig addresses the development websocket transport.
type LinkConfig struct {
	// Listen is the responder's HTTP listen address.
	Listen string
	// Address is the websocket URL the initiator dials.
	Address      string
	DialAttempts int
}

// File is one resolved endpoint configuration.
type File struct {
	Role           session.Role
	Session        session.Config
	Identity       protocol.Identity
	PresharedKey   []byte
	ExpectedSerial string
	Link           LinkConfig
}

// Default returns the built-in configuration for role.
func Default(role session.Role) File {
	return File{
		Role:         session.NormalizeRole(role),
		Session:      session.DefaultConfig(),
		PresharedKey: append([]byte(nil), auth.DefaultPresharedKey...),
		Link: LinkConfig{
			Listen:       ":9200",
			Address:      "ws://localhost:9200/link",
			DialAttempts: 5,
		},
	}
}

type fileConfig struct {
	Role           string          `toml:"role"`
	PresharedKey   string          `toml:"preshared_key"`
	ExpectedSerial string          `toml:"expected_serial"`
	Session        sessionSection  `toml:"session"`
	Identity       identitySection `toml:"identity"`
	Link           linkSection     `toml:"link"`
}

type sessionSection struct {
	ChunkSize         int            `toml:"chunk_size"`
	MaxFrameSize      int            `toml:"max_frame_size"`
	RequestTimeout    string         `toml:"request_timeout"`
	WriteTimeout      string         `toml:"write_timeout"`
	ReadTimeout       string         `toml:"read_timeout"`
	HandshakeTimeout  string         `toml:"handshake_timeout"`
	AuthDelay         string         `toml:"auth_delay"`
	Encrypt           bool           `toml:"encrypt"`
	RequireEncryption bool           `toml:"require_encryption"`
	Backoff           backoffSection `toml:"backoff"`
}

type backoffSection struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type identitySection struct {
	Model    string `toml:"model"`
	SerialNo string `toml:"serial_no"`
	MAC      string `toml:"mac"`
	Platform string `toml:"platform"`
	OS       string `toml:"os"`
	Version  string `toml:"version"`
}

type linkSection struct {
	Listen       string `toml:"listen"`
	Address      string `toml:"address"`
	DialAttempts int    `toml:"dial_attempts"`
}

// Load reads path over the defaults of its role and validates the result.
func Load(path string) (File, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if !meta.IsDefined("role") || strings.TrimSpace(raw.Role) == "" {
		return File{}, ErrMissingRole
	}
	cfg := Default(session.Role(raw.Role))

	if meta.IsDefined("preshared_key") {
		key, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(raw.PresharedKey), " ", ""))
		if err != nil {
			return File{}, fmt.Errorf("parse preshared_key: %w", err)
		}
		cfg.PresharedKey = key
	}
	if meta.IsDefined("expected_serial") {
		cfg.ExpectedSerial = strings.TrimSpace(raw.ExpectedSerial)
	}
	if err := applySession(meta, raw.Session, &cfg.Session); err != nil {
		return File{}, err
	}
	if err := applyIdentity(meta, raw.Identity, &cfg.Identity); err != nil {
		return File{}, err
	}
	if meta.IsDefined("link", "listen") {
		cfg.Link.Listen = strings.TrimSpace(raw.Link.Listen)
	}
	if meta.IsDefined("link", "address") {
		cfg.Link.Address = strings.TrimSpace(raw.Link.Address)
	}
	if meta.IsDefined("link", "dial_attempts") {
		cfg.Link.DialAttempts = raw.Link.DialAttempts
	}

	if err := Validate(cfg); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func applySession(meta toml.MetaData, raw sessionSection, cfg *session.Config) error {
	if meta.IsDefined("session", "chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("session", "max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("session", "encrypt") {
		cfg.Encrypt = raw.Encrypt
	}
	if meta.IsDefined("session", "require_encryption") {
		cfg.RequireEncryption = raw.RequireEncryption
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"auth_delay", raw.AuthDelay, &cfg.AuthDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	b := raw.Backoff
	if meta.IsDefined("session", "backoff", "initial_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(b.InitialDelay))
		if err != nil {
			return fmt.Errorf("parse session.backoff.initial_delay: %w", err)
		}
		cfg.Backoff.InitialDelay = v
	}
	if meta.IsDefined("session", "backoff", "max_delay") {
		v, err := time.ParseDuration(strings.TrimSpace(b.MaxDelay))
		if err != nil {
			return fmt.Errorf("parse session.backoff.max_delay: %w", err)
		}
		cfg.Backoff.MaxDelay = v
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		cfg.Backoff.Multiplier = b.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		cfg.Backoff.Jitter = b.Jitter
	}
	return nil
}

func applyIdentity(meta toml.MetaData, raw identitySection, id *protocol.Identity) error {
	if meta.IsDefined("identity", "model") {
		id.Model = strings.TrimSpace(raw.Model)
	}
	if meta.IsDefined("identity", "serial_no") {
		id.SerialNo = strings.TrimSpace(raw.SerialNo)
	}
	if meta.IsDefined("identity", "mac") {
		mac, err := parseMAC(raw.MAC)
		if err != nil {
			return err
		}
		id.MAC = mac
	}
	if meta.IsDefined("identity", "platform") {
		p, err := protocol.ParsePlatform(raw.Platform)
		if err != nil {
			return fmt.Errorf("parse identity.platform: %w", err)
		}
		id.Platform = p
	}
	if meta.IsDefined("identity", "os") {
		id.OS = strings.TrimSpace(raw.OS)
	}
	if meta.IsDefined("identity", "version") {
		id.Version = strings.TrimSpace(raw.Version)
	}
	return nil
}

func parseMAC(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity.mac: %w", err)
	}
	return mac, nil
}

func formatMAC(mac []byte) string {
	if len(mac) == 0 {
		return ""
	}
	return net.HardwareAddr(mac).String()
}

func Validate(cfg File) error {
	if strings.TrimSpace(string(cfg.Role)) == "" {
		return ErrMissingRole
	}
	if err := cfg.Session.ValidateRole(cfg.Role, cfg.PresharedKey); err != nil {
		return err
	}
	if session.NormalizeRole(cfg.Role) == session.RoleInitiator && strings.TrimSpace(cfg.Identity.SerialNo) == "" {
		return ErrMissingSerial
	}
	if cfg.Link.DialAttempts < 0 {
		return ErrInvalidAttempts
	}
	return nil
}

// Render encodes cfg in the file format Load reads.
func Render(cfg File) ([]byte, error) {
	s := cfg.Session
	raw := fileConfig{
		Role:           string(cfg.Role),
		PresharedKey:   hex.EncodeToString(cfg.PresharedKey),
		ExpectedSerial: cfg.ExpectedSerial,
		Session: sessionSection{
			ChunkSize:         s.ChunkSize,
			MaxFrameSize:      s.MaxFrameSize,
			RequestTimeout:    s.RequestTimeout.String(),
			WriteTimeout:      s.WriteTimeout.String(),
			ReadTimeout:       s.ReadTimeout.String(),
			HandshakeTimeout:  s.HandshakeTimeout.String(),
			AuthDelay:         s.AuthDelay.String(),
			Encrypt:           s.Encrypt,
			RequireEncryption: s.RequireEncryption,
			Backoff: backoffSection{
				InitialDelay: s.Backoff.InitialDelay.String(),
				Multiplier:   s.Backoff.Multiplier,
				MaxDelay:     s.Backoff.MaxDelay.String(),
				Jitter:       s.Backoff.Jitter,
			},
		},
		Identity: identitySection{
			Model:    cfg.Identity.Model,
			SerialNo: cfg.Identity.SerialNo,
			MAC:      formatMAC(cfg.Identity.MAC),
			Platform: cfg.Identity.Platform.String(),
			OS:       cfg.Identity.OS,
			Version:  cfg.Identity.Version,
		},
		Link: linkSection{
			Listen:       cfg.Link.Listen,
			Address:      cfg.Link.Address,
			DialAttempts: cfg.Link.DialAttempts,
		},
	}
	out, err := pelletier.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return out, nil
}
