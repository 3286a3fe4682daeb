package auth

import "log/slog"

const redacted = "[REDACTED]"

// Secret holds a sensitive string such as a password, client secret or bearer
// token. Its String, GoString and LogValue methods never reveal the value, so
// a Secret can be passed to fmt, slog or an encoder without leaking it.
// Use Reveal at the single point where the raw value must go on the wire.
type Secret string

// Reveal returns the raw secret value.
func (s Secret) Reveal() string {
	return string(s)
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool {
	return s == ""
}

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer so %#v is redacted too.
func (s Secret) GoString() string {
	return s.String()
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// MarshalText implements encoding.TextMarshaler with the redacted form.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
