package vault

import "log/slog"

const redacted = "[redacted]"

// Secret holds a credential in memory. Every formatting and logging path
// prints a placeholder; use Reveal to get the value.
type Secret struct {
	value string
}

func NewSecret(v string) Secret { return Secret{value: v} }

func (s Secret) Reveal() string { return s.value }

func (s Secret) Empty() bool { return s.value == "" }

func (Secret) String() string { return redacted }

func (Secret) GoString() string { return redacted }

func (Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

func (Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
