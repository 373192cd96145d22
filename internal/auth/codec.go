package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	defaultIssuer     = "edgeward"
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour
	minSecretLength   = 32
)

var (
	// ErrInvalidToken is the single failure every verification error wraps.
	ErrInvalidToken = errors.New("invalid token")

	ErrMalformedToken    = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	ErrTokenExpired      = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrWrongTokenType    = fmt.Errorf("%w: wrong token type", ErrInvalidToken)

	errSecretTooShort = fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLength)
)

// RoleList is the roles claim. On the wire it is an ordered list; it decodes
// from an array, a single string or null, always into a normalized set.
type RoleList []string

func (r *RoleList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var single string
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		list = strings.Split(single, ",")
	}
	*r = identity.NormalizeRoles(list)
	return nil
}

// Claims is the decoded token payload.
type Claims struct {
	Roles     RoleList `json:"roles,omitempty"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Email returns the subject, the unique identity key.
func (c *Claims) Email() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// RoleSet returns the roles claim as a normalized set; absent means empty.
func (c *Claims) RoleSet() []string {
	if c == nil {
		return []string{}
	}
	return identity.NormalizeRoles(c.Roles)
}

// Token is an issued token with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Codec signs and verifies compact HS256 bearer tokens. It holds no mutable
// state after construction and is safe for concurrent use.
type Codec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures the access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec builds a codec from the configured secret. A secret prefixed with
// "base64:" is decoded first.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		secret:     key,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	var key []byte
	if raw, ok := strings.CutPrefix(secret, "base64:"); ok {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("auth: decode token secret: %w", err)
		}
		key = decoded
	} else {
		key = []byte(secret)
	}
	if len(key) < minSecretLength {
		return nil, errSecretTooShort
	}
	return key, nil
}

// AccessTTL reports the access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// IssueAccess signs a short-lived token carrying the role set. The subject is
// signed exactly as given; callers normalize emails beforehand.
func (c *Codec) IssueAccess(email string, roles []string) (Token, error) {
	return c.issue(email, identity.NormalizeRoles(roles), TokenTypeAccess, c.accessTTL)
}

// IssueRefresh signs a long-lived token without a roles claim.
func (c *Codec) IssueRefresh(email string) (Token, error) {
	return c.issue(email, nil, TokenTypeRefresh, c.refreshTTL)
}

// Issue signs an access-profile token with an explicit ttl.
func (c *Codec) Issue(email string, roles []string, ttl time.Duration) (Token, error) {
	return c.issue(email, identity.NormalizeRoles(roles), TokenTypeAccess, ttl)
}

func (c *Codec) issue(email string, roles []string, tokenType string, ttl time.Duration) (Token, error) {
	if strings.TrimSpace(email) == "" {
		return Token{}, errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return Token{}, errors.New("auth: ttl must be greater than zero")
	}
	now := c.now().UTC()
	exp := expiry(now, ttl)
	claims := Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if tokenType == TokenTypeAccess {
		claims.Roles = roles
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	obs.ObserveTokenIssued(tokenType)
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// expiry rounds now+ttl up to the claim precision, so the signed exp and the
// reported ExpiresAt agree and a token is never born expired.
func expiry(now time.Time, ttl time.Duration) time.Time {
	exp := now.Add(ttl)
	if t := exp.Truncate(jwt.TimePrecision); t.Before(exp) {
		exp = t.Add(jwt.TimePrecision)
	}
	return exp
}

// Verify checks structure, signature and expiry of a token of either type.
// The returned error wraps ErrInvalidToken and one of ErrMalformedToken,
// ErrSignatureMismatch or ErrTokenExpired.
func (c *Codec) Verify(token string) (*Claims, error) {
	claims, err := c.verify(token)
	obs.ObserveTokenVerification(Outcome(err))
	return claims, err
}

func (c *Codec) verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	)
	if err != nil {
		return nil, classify(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformedToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformedToken
	}
	claims.Roles = identity.NormalizeRoles(claims.Roles)
	return claims, nil
}

// VerifyAccess verifies token and requires the access profile.
func (c *Codec) VerifyAccess(token string) (*Claims, error) {
	return c.verifyType(token, TokenTypeAccess)
}

// VerifyRefresh verifies token and requires the refresh profile.
func (c *Codec) VerifyRefresh(token string) (*Claims, error) {
	return c.verifyType(token, TokenTypeRefresh)
}

func (c *Codec) verifyType(token, want string) (*Claims, error) {
	claims, err := c.verify(token)
	if err == nil && claims.TokenType != want {
		claims, err = nil, ErrWrongTokenType
	}
	obs.ObserveTokenVerification(Outcome(err))
	return claims, err
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// Outcome names the verification result for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrWrongTokenType):
		return "wrong_type"
	default:
		return "malformed"
	}
}
