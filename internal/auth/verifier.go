package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix = "Bearer "
	// AccessTokenQueryParameter carries the token on websocket upgrades, where browsers cannot set headers.
	AccessTokenQueryParameter = "access_token"
)

var (
	ErrMissingSigningKey = errors.New("auth: signing key required")
	ErrMissingIssuer     = errors.New("auth: issuer required")
	ErrMissingToken      = errors.New("auth: token required")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrExpiredToken      = errors.New("auth: token expired")
	ErrMissingSubject    = errors.New("auth: subject required")
)

// Claims is the JWT payload accepted by the collaboration server. Guest grants carry
// guest=true and are bound to a single document.
type Claims struct {
	UserID     string `json:"user_id"`
	Guest      bool   `json:"guest,omitempty"`
	ReadOnly   bool   `json:"read_only,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller.
type Identity struct {
	UserID     string
	Guest      bool
	ReadOnly   bool
	DocumentID string
	ExpiresAt  time.Time
}

// Permits reports whether the identity may address documentID. Only guests are bound.
func (identity Identity) Permits(documentID string) bool {
	if !identity.Guest {
		return true
	}
	return identity.DocumentID == documentID
}

// VerifierConfig describes how bearer tokens are validated.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewVerifier constructs a verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// Verify validates the supplied JWT string and returns the caller identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}
	if claims.Guest && strings.TrimSpace(claims.DocumentID) == "" {
		return Identity{}, fmt.Errorf("%w: guest grant without document", ErrInvalidToken)
	}

	identity := Identity{
		UserID:     userID,
		Guest:      claims.Guest,
		ReadOnly:   claims.ReadOnly,
		DocumentID: strings.TrimSpace(claims.DocumentID),
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return identity, nil
}

// VerifyRequest extracts the bearer token from the Authorization header or the
// access_token query parameter and validates it.
func (v *Verifier) VerifyRequest(r *http.Request) (Identity, error) {
	return v.Verify(TokenFromRequest(r))
}

// TokenFromRequest returns the raw bearer token carried by the request, if any.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter))
}
