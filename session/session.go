// Package session issues the signed cookie that logs a member into one group.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultMaxAge is how long a member session stays valid.
const DefaultMaxAge = 30 * 24 * time.Hour

const (
	cookiePrefix = "trippy_member_"
	issuer       = "trippy-notifier"
)

var (
	// ErrNoSecret is returned when the session signing secret is empty.
	ErrNoSecret = errors.New("SESSION_SECRET is not set")

	// ErrNoSession is returned when the request carries no valid session for the group.
	ErrNoSession = errors.New("no member session")
)

// Claims identifies the member a session belongs to.
type Claims struct {
	jwt.RegisteredClaims
	GroupID  string `json:"group_id"`
	MemberID string `json:"member_id"`
}

// Manager issues and reads member session cookies.
type Manager struct {
	now    func() time.Time
	secret []byte
	maxAge time.Duration
	secure bool
}

// NewManager creates a session manager. secure marks cookies HTTPS-only.
func NewManager(secret []byte, maxAge time.Duration, secure bool) (*Manager, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{
		secret: secret,
		maxAge: maxAge,
		secure: secure,
		now:    time.Now,
	}, nil
}

// CookieName returns the cookie name for groupID. Characters outside
// [A-Za-z0-9_-] are replaced so any group ID yields a valid cookie name.
func CookieName(groupID string) string {
	var b strings.Builder
	b.WriteString(cookiePrefix)
	for _, c := range groupID {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Issue sets a session cookie logging memberID into groupID.
func (m *Manager) Issue(w http.ResponseWriter, groupID, memberID string) error {
	if m == nil {
		return ErrNoSecret
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.maxAge)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   memberID,
		},
		GroupID:  groupID,
		MemberID: memberID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(groupID),
		Value:    signed,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Parse returns the session claims for groupID carried by r.
func (m *Manager) Parse(r *http.Request, groupID string) (*Claims, error) {
	if m == nil {
		return nil, ErrNoSecret
	}
	cookie, err := r.Cookie(CookieName(groupID))
	if err != nil {
		return nil, ErrNoSession
	}

	claims := &Claims{}
	keyFunc := func(*jwt.Token) (any, error) { return m.secret, nil }
	_, err = jwt.ParseWithClaims(cookie.Value, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	if claims.GroupID != groupID {
		return nil, fmt.Errorf("%w: session is for another group", ErrNoSession)
	}
	return claims, nil
}
