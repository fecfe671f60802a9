package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-0123456789"

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestService_LoginAndVerify(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, err := NewService(testSecret, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.WithClock(func() time.Time { return now })

	key := newKey(t)
	req, err := SignLogin(key, now)
	if err != nil {
		t.Fatalf("sign login: %v", err)
	}

	res, err := svc.Login(req)
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if res.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if !res.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("login: expected expiry %v got %v", now.Add(time.Hour), res.ExpiresAt)
	}

	id, err := svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if id != Of(key) {
		t.Fatalf("verify token: expected %s got %s", Of(key), id)
	}
}

func TestService_LoginRejectsForeignSignature(t *testing.T) {
	now := time.Now()
	svc, _ := NewService(testSecret, 0, 0)
	svc.WithClock(func() time.Time { return now })

	req, _ := SignLogin(newKey(t), now)
	req.Identity = Of(newKey(t))

	if _, err := svc.Login(req); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestService_LoginRejectsStaleRequest(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc, _ := NewService(testSecret, time.Hour, time.Minute)
	svc.WithClock(func() time.Time { return now })

	req, _ := SignLogin(newKey(t), now.Add(-2*time.Minute))
	if _, err := svc.Login(req); !errors.Is(err, ErrStaleLogin) {
		t.Fatalf("expected ErrStaleLogin, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	svc, _ := NewService(testSecret, time.Hour, time.Minute)
	svc.WithClock(func() time.Time { return clock })

	req, _ := SignLogin(newKey(t), now)
	res, err := svc.Login(req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other, _ := NewService("another-secret-0123456789", time.Hour, time.Minute)
	other.WithClock(func() time.Time { return now })
	if _, err := other.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}

	clock = now.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestNewService_RejectsWeakSecret(t *testing.T) {
	if _, err := NewService("short", 0, 0); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestParse(t *testing.T) {
	key := newKey(t)
	id := Of(key)

	parsed, err := Parse(strings.ToUpper(id.String()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected %s got %s", id, parsed)
	}

	for _, bad := range []string{"", "abc", strings.Repeat("zz", 32)} {
		if _, err := Parse(bad); !errors.Is(err, ErrMalformedIdentity) {
			t.Errorf("Parse(%q): expected ErrMalformedIdentity, got %v", bad, err)
		}
	}
}

func TestKeyfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id.json")
	id, err := GenerateKeyfile(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	key, err := LoadKeyfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if Of(key) != id {
		t.Fatalf("expected identity %s got %s", id, Of(key))
	}
	if _, err := GenerateKeyfile(path); !errors.Is(err, ErrKeyfileExists) {
		t.Fatalf("expected ErrKeyfileExists, got %v", err)
	}
}
