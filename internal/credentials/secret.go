package credentials

import "encoding/json"

const redacted = "[redacted]"

// Secret holds a provider secret in memory. It never formats or marshals its
// value; adapters call Reveal when building a request.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext value
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the plaintext
func (s Secret) Reveal() string {
	return s.value
}

// IsZero reports whether no secret is held
func (s Secret) IsZero() bool {
	return s.value == ""
}

func (s Secret) String() string {
	return redacted
}

func (s Secret) GoString() string {
	return redacted
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
