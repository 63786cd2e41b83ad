package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 30 * time.Minute
	guestUserPrefix = "guest-"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingDocument      = errors.New("guest grants require a document")
)

// IssuerConfig configures the JWT issuer.
type IssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Grant describes the token to mint.
type Grant struct {
	UserID     string
	Guest      bool
	ReadOnly   bool
	DocumentID string
	TTL        time.Duration
}

// IssuedToken is a signed JWT plus the identity it carries.
type IssuedToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ReadOnly  bool      `json:"readOnly"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints HS256 tokens accepted by Verifier, chiefly time-limited guest grants.
type Issuer struct {
	config IssuerConfig
	clock  func() time.Time
}

// NewIssuer constructs an Issuer with sane defaults.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Issuer{
		config: IssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// Issue produces a signed JWT for grant.
func (i *Issuer) Issue(_ context.Context, grant Grant) (IssuedToken, error) {
	userID := strings.TrimSpace(grant.UserID)
	if userID == "" {
		return IssuedToken{}, errMissingSubjectClaim
	}
	if grant.Guest && strings.TrimSpace(grant.DocumentID) == "" {
		return IssuedToken{}, errMissingDocument
	}
	ttl := grant.TTL
	if ttl <= 0 {
		ttl = i.config.TokenTTL
	}

	now := i.clock().UTC()
	expiresAt := now.Add(ttl).UTC()

	claims := Claims{
		UserID:     userID,
		Guest:      grant.Guest,
		ReadOnly:   grant.ReadOnly,
		DocumentID: strings.TrimSpace(grant.DocumentID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if i.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: signed, UserID: userID, ReadOnly: grant.ReadOnly, ExpiresAt: expiresAt}, nil
}

// IssueGuest mints an anonymous grant bound to documentID under a fresh guest user id.
func (i *Issuer) IssueGuest(ctx context.Context, documentID string, readOnly bool, ttl time.Duration) (IssuedToken, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return IssuedToken{}, err
	}
	return i.Issue(ctx, Grant{
		UserID:     guestUserPrefix + identifier.String(),
		Guest:      true,
		ReadOnly:   readOnly,
		DocumentID: documentID,
		TTL:        ttl,
	})
}
