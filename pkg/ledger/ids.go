package ledger

import (
	"fmt"
	"strings"
	"unicode"
)

// ID names a ledger. IDs are opaque and passed through unmodified.
type ID string

// Default ledger names.
const (
	Primary   ID = "primary"
	Secondary ID = "secondary"
)

// ValidateID checks that a ledger ID is usable as a key in every backend.
//
// Rules:
// - Non-empty string
// - Maximum length of 64 characters
// - No whitespace or control characters
func ValidateID(id ID) error {
	if id == "" {
		return fmt.Errorf("%w: empty ledger id", ErrUnknownLedger)
	}

	if len(id) > 64 {
		return fmt.Errorf("%w: ledger id too long (max 64 characters)", ErrUnknownLedger)
	}

	for _, r := range string(id) {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: ledger id contains whitespace or control character", ErrUnknownLedger)
		}
	}

	return nil
}

// Pair is the fixed set of two ledgers the service manages.
type Pair struct {
	A ID
	B ID
}

// DefaultPair returns the primary/secondary pair.
func DefaultPair() Pair {
	return Pair{A: Primary, B: Secondary}
}

// Validate checks both IDs and that they differ.
func (p Pair) Validate() error {
	if err := ValidateID(p.A); err != nil {
		return err
	}
	if err := ValidateID(p.B); err != nil {
		return err
	}
	if p.A == p.B {
		return fmt.Errorf("%w: ledger pair uses %q twice", ErrUnknownLedger, p.A)
	}
	return nil
}

// Contains reports whether id is one of the pair.
func (p Pair) Contains(id ID) bool {
	return id == p.A || id == p.B
}

// Counterpart returns the other ledger of the pair.
func (p Pair) Counterpart(id ID) (ID, error) {
	switch id {
	case p.A:
		return p.B, nil
	case p.B:
		return p.A, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLedger, id)
	}
}

// IDs returns both ledger IDs in configuration order.
func (p Pair) IDs() []ID {
	return []ID{p.A, p.B}
}

// ParseID normalizes user input into a ledger ID of the pair.
func (p Pair) ParseID(s string) (ID, error) {
	id := ID(strings.TrimSpace(s))
	if !p.Contains(id) {
		return "", fmt.Errorf("%w: %q", ErrUnknownLedger, s)
	}
	return id, nil
}

// KeyPattern builds storage keys for a ledger, e.g. "ledger:primary:tx".
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build creates a key from the pattern and provided parts.
// Example: pattern.Build("primary", "tx") -> "ledger:primary:tx"
func (kp *KeyPattern) Build(parts ...string) string {
	if len(parts) == 0 {
		return kp.prefix
	}

	var b strings.Builder
	b.WriteString(kp.prefix)
	for _, part := range parts {
		b.WriteString(kp.separator)
		b.WriteString(part)
	}
	return b.String()
}
