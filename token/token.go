// Package token mints and verifies the signed, expiring tokens embedded in
// digest email links. Tokens are self-contained: verification needs only the
// shared secret and the current time.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultTTL is how long a link stays valid after the email is sent.
const DefaultTTL = 60 * 24 * time.Hour

var (
	// ErrNoSecret is returned when no signing secret is configured.
	ErrNoSecret = errors.New("EMAIL_LINK_SECRET is not set")

	// ErrInvalid is the parent of every verification failure.
	ErrInvalid = errors.New("invalid link token")

	ErrMalformed    = fmt.Errorf("%w: malformed", ErrInvalid)
	ErrExpired      = fmt.Errorf("%w: expired", ErrInvalid)
	ErrBadSignature = fmt.Errorf("%w: signature mismatch", ErrInvalid)
)

// Strict decoding rejects non-zero trailing bits, so every character of a
// segment is significant.
var encoding = base64.RawURLEncoding.Strict()

// Payload identifies a member and the group the token grants access to.
// The JSON keys are part of the wire format of links already in inboxes.
type Payload struct {
	SubjectID string `json:"memberId"`
	ScopeID   string `json:"groupId"`
	ExpiresAt int64  `json:"exp"` // unix seconds
}

// Codec signs and verifies tokens with an HMAC-SHA256 secret.
type Codec struct {
	secret []byte
}

// New creates a codec. The secret must not be empty.
func New(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Codec{secret: secret}, nil
}

// Mint creates a token for subjectID scoped to scopeID, valid for ttl.
func (c *Codec) Mint(subjectID, scopeID string, ttl time.Duration) (string, error) {
	return c.MintAt(subjectID, scopeID, ttl, time.Now())
}

// MintAt is Mint with an explicit clock.
func (c *Codec) MintAt(subjectID, scopeID string, ttl time.Duration, now time.Time) (string, error) {
	if c == nil || len(c.secret) == 0 {
		return "", ErrNoSecret
	}

	payload := Payload{
		SubjectID: subjectID,
		ScopeID:   scopeID,
		ExpiresAt: now.Add(ttl).Unix(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	segment := encoding.EncodeToString(data)
	return segment + "." + encoding.EncodeToString(c.sign(segment)), nil
}

// Verify checks a token against the current time.
func (c *Codec) Verify(token string) (*Payload, error) {
	return c.VerifyAt(token, time.Now())
}

// VerifyAt checks structure, expiry and signature, in that order, and returns
// the payload only when every check passes.
func (c *Codec) VerifyAt(token string, now time.Time) (*Payload, error) {
	if c == nil || len(c.secret) == 0 {
		return nil, ErrNoSecret
	}

	segment, sig, ok := strings.Cut(token, ".")
	if !ok || segment == "" || sig == "" || strings.Contains(sig, ".") {
		return nil, ErrMalformed
	}

	data, err := encoding.DecodeString(segment)
	if err != nil {
		return nil, ErrMalformed
	}

	// Pointers and the raw exp distinguish a missing field from a zero value.
	var raw struct {
		SubjectID *string         `json:"memberId"`
		ScopeID   *string         `json:"groupId"`
		ExpiresAt json.RawMessage `json:"exp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrMalformed
	}
	exp, ok := parseExpiry(raw.ExpiresAt)
	if raw.SubjectID == nil || *raw.SubjectID == "" ||
		raw.ScopeID == nil || *raw.ScopeID == "" ||
		!ok || exp <= 0 {
		return nil, ErrMalformed
	}

	if exp < now.Unix() {
		return nil, ErrExpired
	}

	actual, err := encoding.DecodeString(sig)
	if err != nil {
		return nil, ErrMalformed
	}
	expected := c.sign(segment)
	if len(actual) != len(expected) {
		return nil, ErrBadSignature
	}
	if !hmac.Equal(actual, expected) {
		return nil, ErrBadSignature
	}

	return &Payload{
		SubjectID: *raw.SubjectID,
		ScopeID:   *raw.ScopeID,
		ExpiresAt: exp,
	}, nil
}

// parseExpiry reads exp as any JSON number with an integral value, so
// 1.7e9 and 1700000000 mean the same second. Strings, null and fractions
// are rejected.
func parseExpiry(b json.RawMessage) (int64, bool) {
	if len(b) == 0 || b[0] == '"' {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil || n == "" {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= float64(math.MaxInt64) {
		return 0, false
	}
	return int64(f), true
}

func (c *Codec) sign(segment string) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(segment))
	return h.Sum(nil)
}
