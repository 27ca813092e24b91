package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, clock *fakeClock) *JWTCodec {
	t.Helper()
	c, err := NewJWTCodec(TokenConfig{
		AccessSecret:  "access_secret_for_tests_0123456789abcdef",
		RefreshSecret: "refresh_secret_for_tests_0123456789abcdef",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func sampleClaims() Claims {
	return Claims{UserID: "u-1", Email: "a@example.com", Role: "admin", SessionID: strings.Repeat("ab", 32)}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)

	for _, kind := range []TokenKind{AccessToken, RefreshToken} {
		tok, err := c.Sign(sampleClaims(), kind)
		if err != nil {
			t.Fatalf("sign %s: %v", kind, err)
		}
		got, err := c.Verify(tok, kind)
		if err != nil {
			t.Fatalf("verify %s: %v", kind, err)
		}
		want := sampleClaims()
		if got.UserID != want.UserID || got.Email != want.Email || got.Role != want.Role || got.SessionID != want.SessionID {
			t.Fatalf("claims mismatch: %+v", got)
		}
		if !got.IssuedAt.Equal(clock.t) {
			t.Fatalf("unexpected iat %s", got.IssuedAt)
		}
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	tok, err := c.Sign(sampleClaims(), AccessToken)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	clock.t = clock.t.Add(14 * time.Minute)
	if _, err := c.Verify(tok, AccessToken); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}

	clock.t = clock.t.Add(time.Minute + time.Second)
	_, err = c.Verify(tok, AccessToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if Reason(err) != ReasonExpired {
		t.Fatalf("expected expired reason, got %q", Reason(err))
	}
	if err.Error() != "invalid or expired token" {
		t.Fatalf("public error must not leak the reason: %q", err.Error())
	}
}

func TestAccessAndRefreshAreNotInterchangeable(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	c := newTestCodec(t, clock)

	access, err := c.Sign(sampleClaims(), AccessToken)
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	refresh, err := c.Sign(sampleClaims(), RefreshToken)
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}
	if _, err := c.Verify(access, RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
	if _, err := c.Verify(refresh, AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
}

func TestVerifyRejectsTamperedAndForeignTokens(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	c := newTestCodec(t, clock)
	tok, err := c.Sign(sampleClaims(), AccessToken)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parts := strings.Split(tok, ".")
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u-1", "session_id": "s", "role": "admin", "typ": "access",
		"iat": clock.t.Unix(), "exp": clock.t.Add(time.Hour).Unix(),
	}).SignedString([]byte("some_other_secret_0123456789abcdefgh"))
	if err != nil {
		t.Fatalf("sign forged: %v", err)
	}
	if _, err := c.Verify(forged, AccessToken); Reason(err) != ReasonSignature {
		t.Fatalf("expected bad signature reason, got %q", Reason(err))
	}
	swapped := strings.Split(forged, ".")[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]
	if _, err := c.Verify(swapped, AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token with swapped payload accepted")
	}
	if _, err := c.Verify("not-a-jwt", AccessToken); Reason(err) != ReasonMalformed {
		t.Fatalf("expected malformed reason, got %q", Reason(err))
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "u-1", "session_id": "s", "typ": "access", "exp": clock.t.Add(time.Hour).Unix()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := c.Verify(unsigned, AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg=none token accepted")
	}
}

func TestNewJWTCodecRejectsSharedSecret(t *testing.T) {
	_, err := NewJWTCodec(TokenConfig{AccessSecret: "same", RefreshSecret: "same", AccessTTL: time.Minute, RefreshTTL: time.Hour})
	if err == nil {
		t.Fatalf("expected error for shared secret")
	}
}
