package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "initiator":
		return initiatorTemplate, nil
	case "responder":
		return responderTemplate, nil
	default:
		return "", fmt.Errorf("unknown config role: %s", role)
	}
}

func WriteTemplate(path, role string, overwrite bool) error {
	template, err := Template(role)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const initiatorTemplate = `# device side: proves its identity and requests a session key
role = "initiator"
preshared_key = "35323032302233143035201630373038"

[session]
chunk_size = 20
max_frame_size = 4096
request_timeout = "5s"
write_timeout = "1s"
read_timeout = "1s"
handshake_timeout = "4s"
auth_delay = "500ms"
encrypt = true

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[identity]
model = "BS-100"
serial_no = "SN0000001"
mac = "00:11:22:33:44:55"
platform = "linux"
os = "linux"
version = "1.0.0"

[link]
address = "ws://localhost:9200/link"
dial_attempts = 5
`

const responderTemplate = `# host side: verifies the challenge and issues the session key
role = "responder"
preshared_key = "35323032302233143035201630373038"
# expected_serial = "SN0000001"

[session]
chunk_size = 20
max_frame_size = 4096
request_timeout = "5s"
write_timeout = "1s"
read_timeout = "1s"
handshake_timeout = "4s"
require_encryption = false

[identity]
model = "bluesync-host"
platform = "linux"
os = "linux"
version = "1.0.0"

[link]
listen = ":9200"
`
