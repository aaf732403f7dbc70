package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ValidationError is a fatal protocol violation: the offending frame's
// payload failed decoding or validation. The daemon/client must respond with
// an EXCEPTION frame to the peer and is not a recoverable per-operation error
// (§4.2, §7).
type ValidationError struct {
	Frame  Type
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s payload: %s", e.Frame, e.Reason)
}

func invalid(t Type, reason string) error {
	return &ValidationError{Frame: t, Reason: reason}
}

func invalidf(t Type, format string, args ...any) error {
	return invalid(t, fmt.Sprintf(format, args...))
}

// DecodeReuse decodes and validates a REUSE payload, lowercasing the
// hostname and defaulting Port to 22.
func DecodeReuse(data []byte) (ReusePayload, error) {
	var p ReusePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, invalidf(Reuse, "malformed JSON: %v", err)
	}
	p.Hostname = strings.ToLower(p.Hostname)
	if p.Port == 0 {
		p.Port = 22
	}

	err := validation.ValidateStruct(&p,
		validation.Field(&p.Username, validation.Required),
		validation.Field(&p.Hostname, validation.Required),
		validation.Field(&p.Port, validation.Min(1), validation.Max(65535)),
	)
	if err != nil {
		return p, invalidf(Reuse, "%v", err)
	}
	return p, nil
}

// DecodeConnect decodes and validates a CONNECT payload, lowercasing the
// hostname, defaulting Port to 22, and base64-decoding the private key when
// PrivateKeyEncoded is set.
func DecodeConnect(data []byte) (ConnectPayload, error) {
	var p ConnectPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, invalidf(Connect, "malformed JSON: %v", err)
	}
	p.Hostname = strings.ToLower(p.Hostname)
	if p.Port == 0 {
		p.Port = 22
	}

	err := validation.ValidateStruct(&p,
		validation.Field(&p.Username, validation.Required),
		validation.Field(&p.Hostname, validation.Required),
		validation.Field(&p.Port, validation.Min(1), validation.Max(65535)),
	)
	if err != nil {
		return p, invalidf(Connect, "%v", err)
	}

	if p.Passphrase != "" && p.PrivateKey == "" {
		return p, invalid(Connect, "passphrase requires privateKey")
	}
	if p.PrivateKeyEncoded && p.PrivateKey == "" {
		return p, invalid(Connect, "privateKeyEncoded requires privateKey")
	}

	if p.PrivateKeyEncoded {
		decoded, err := base64.StdEncoding.DecodeString(p.PrivateKey)
		if err != nil {
			return p, invalidf(Connect, "privateKey is not valid base64: %v", err)
		}
		p.PrivateKey = string(decoded)
		p.PrivateKeyEncoded = false
	}

	return p, nil
}

// DecodeChallengeResponse decodes and validates a CHALLENGE_RESPONSE payload.
func DecodeChallengeResponse(data []byte) (ChallengeResponsePayload, error) {
	var p ChallengeResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, invalidf(ChallengeResponse, "malformed JSON: %v", err)
	}
	if p.Responses == nil {
		return p, invalid(ChallengeResponse, "responses is required")
	}
	return p, nil
}

// DecodeResize decodes and validates a RESIZE payload. Dimension clamping
// happens downstream in the SSH adapter (§4.3); this only validates shape.
func DecodeResize(data []byte) (ResizePayload, error) {
	var p ResizePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, invalidf(Resize, "malformed JSON: %v", err)
	}
	return p, nil
}

// isControlRune reports whether r is a control character per §4.2:
// [U+0000, U+001F] ∪ [U+007F, U+009F].
func isControlRune(r rune) bool {
	return (r >= 0x00 && r <= 0x1F) || (r >= 0x7F && r <= 0x9F)
}

// ValidateCommand validates a SIMPLE_COMMAND/PTY_COMMAND payload: non-empty
// UTF-8 with no control characters.
func ValidateCommand(t Type, data []byte) (string, error) {
	if len(data) == 0 {
		return "", invalid(t, "command must not be empty")
	}
	s := string(data)
	if !utf8.ValidString(s) {
		return "", invalid(t, "command must be valid UTF-8")
	}
	for _, r := range s {
		if isControlRune(r) {
			return "", invalidf(t, "command contains control character %U", r)
		}
	}
	return s, nil
}
