package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHashCompare(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	long := strings.Repeat("x", 100)
	for _, pw := range []string{"secret-123", "", long, "pässwörd-ünïcode"} {
		digest, err := h.Hash(pw)
		if err != nil {
			t.Fatalf("hash %q: %v", pw, err)
		}
		if !h.Compare(pw, digest) {
			t.Fatalf("expected compare to pass for %q", pw)
		}
		if h.Compare(pw+"!", digest) {
			t.Fatalf("expected compare to fail for wrong password of %q", pw)
		}
	}
}

func TestBcryptDistinguishesLongPasswordsBeyond72Bytes(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	base := strings.Repeat("a", 80)
	digest, err := h.Hash(base + "1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h.Compare(base+"2", digest) {
		t.Fatalf("passwords differing after byte 72 must not match")
	}
}

func TestBcryptCostIsApplied(t *testing.T) {
	h := NewBcryptHasher(12)
	if h.Cost != 12 {
		t.Fatalf("expected cost 12, got %d", h.Cost)
	}
}

func TestArgon2idHashVerify(t *testing.T) {
	var h Argon2idHasher
	digest, err := h.Hash("secret-123")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if !h.Compare("secret-123", digest) {
		t.Fatalf("expected verify to pass")
	}
	if h.Compare("wrong", digest) {
		t.Fatalf("expected verify to fail")
	}
	if h.Compare("secret-123", "$argon2id$garbage") {
		t.Fatalf("expected malformed digest to fail")
	}
}

func TestMultiHasherComparesEitherAlgorithm(t *testing.T) {
	bcryptFirst := NewPasswordHasher("bcrypt", bcrypt.MinCost)
	argonFirst := NewPasswordHasher("argon2id", bcrypt.MinCost)

	bd, err := bcryptFirst.Hash("Passw0rd!")
	if err != nil {
		t.Fatalf("bcrypt hash: %v", err)
	}
	ad, err := argonFirst.Hash("Passw0rd!")
	if err != nil {
		t.Fatalf("argon hash: %v", err)
	}
	if !strings.HasPrefix(bd, "$2") || !strings.HasPrefix(ad, "$argon2id$") {
		t.Fatalf("unexpected digest formats: %q %q", bd, ad)
	}
	for _, h := range []MultiHasher{bcryptFirst, argonFirst} {
		if !h.Compare("Passw0rd!", bd) || !h.Compare("Passw0rd!", ad) {
			t.Fatalf("expected both digests to verify")
		}
	}
	if bcryptFirst.Compare("Passw0rd!", "plain-text") {
		t.Fatalf("unknown digest format must not verify")
	}
}

func TestNewSessionIDIs256Bits(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("session id: %v", err)
		}
		if len(id) != 64 {
			t.Fatalf("expected 64 hex chars, got %d", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
}
