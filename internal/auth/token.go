package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

// Claims is the identity and session carried inside a signed token.
type Claims struct {
	UserID    string
	Email     string
	Role      string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenCodec signs and verifies the two token kinds. Implementations do no I/O.
type TokenCodec interface {
	Sign(c Claims, kind TokenKind) (string, error)
	Verify(token string, kind TokenKind) (Claims, error)
}

// ErrInvalidToken is the only failure callers see from Verify.
var ErrInvalidToken = errors.New("invalid or expired token")

type FailureReason string

const (
	ReasonMalformed FailureReason = "malformed"
	ReasonSignature FailureReason = "bad_signature"
	ReasonExpired   FailureReason = "expired"
	ReasonWrongKind FailureReason = "wrong_kind"
)

// VerifyError keeps the precise reason for server-side logging while
// matching ErrInvalidToken for everything else.
type VerifyError struct {
	Reason FailureReason
}

func (e *VerifyError) Error() string        { return ErrInvalidToken.Error() }
func (e *VerifyError) Is(target error) bool { return target == ErrInvalidToken }

// Reason extracts the internal failure reason from a Verify error.
func Reason(err error) FailureReason {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Now           func() time.Time
}

type JWTCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewJWTCodec(cfg TokenConfig) (*JWTCodec, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("jwt secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token ttls must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &JWTCodec{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           now,
	}, nil
}

type jwtClaims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	Kind      string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *JWTCodec) keyFor(kind TokenKind) ([]byte, time.Duration, error) {
	switch kind {
	case AccessToken:
		return c.accessSecret, c.accessTTL, nil
	case RefreshToken:
		return c.refreshSecret, c.refreshTTL, nil
	}
	return nil, 0, fmt.Errorf("unknown token kind %q", kind)
}

func (c *JWTCodec) Sign(claims Claims, kind TokenKind) (string, error) {
	key, ttl, err := c.keyFor(kind)
	if err != nil {
		return "", err
	}
	now := c.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		Kind:      string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(key)
}

func (c *JWTCodec) Verify(raw string, kind TokenKind) (Claims, error) {
	key, _, err := c.keyFor(kind)
	if err != nil {
		return Claims{}, &VerifyError{Reason: ReasonWrongKind}
	}
	parsed, err := jwt.ParseWithClaims(raw, &jwtClaims{}, func(token *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, &VerifyError{Reason: ReasonExpired}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, &VerifyError{Reason: ReasonSignature}
		default:
			return Claims{}, &VerifyError{Reason: ReasonMalformed}
		}
	}
	jc, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return Claims{}, &VerifyError{Reason: ReasonMalformed}
	}
	if jc.Kind != string(kind) {
		return Claims{}, &VerifyError{Reason: ReasonWrongKind}
	}
	if jc.UserID == "" || jc.SessionID == "" || jc.IssuedAt == nil {
		return Claims{}, &VerifyError{Reason: ReasonMalformed}
	}
	return Claims{
		UserID:    jc.UserID,
		Email:     jc.Email,
		Role:      jc.Role,
		SessionID: jc.SessionID,
		IssuedAt:  jc.IssuedAt.Time.UTC(),
		ExpiresAt: jc.ExpiresAt.Time.UTC(),
	}, nil
}
