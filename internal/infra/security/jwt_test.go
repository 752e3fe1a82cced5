package security

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) *TokenCodec {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	codec, err := NewTokenCodec(NewStaticKeyProvider("test-key", key), "test-key", "rtc-test")
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}

	return codec
}

func TestTokenCodec_AccessRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	token, err := codec.SignAccess("user-1", "alice@example.com", "alice", "session-1", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("SignAccess returned error: %v", err)
	}

	claims, err := codec.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess returned error: %v", err)
	}

	if claims.UserID != "user-1" || claims.SessionID != "session-1" {
		t.Fatalf("unexpected identity claims: %+v", claims)
	}
	if claims.Email != "alice@example.com" || claims.Username != "alice" {
		t.Fatalf("unexpected profile claims: %+v", claims)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Fatalf("expected access token type, got %q", claims.TokenType)
	}
}

func TestTokenCodec_RefreshRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	token, err := codec.SignRefresh("user-1", "session-1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("SignRefresh returned error: %v", err)
	}

	claims, err := codec.ParseRefresh(token)
	if err != nil {
		t.Fatalf("ParseRefresh returned error: %v", err)
	}

	if claims.UserID != "user-1" || claims.SessionID != "session-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenCodec_ExpiredToken(t *testing.T) {
	codec := newTestCodec(t)

	token, err := codec.SignAccess("user-1", "", "", "session-1", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SignAccess returned error: %v", err)
	}

	if _, err := codec.ParseAccess(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenCodec_TypeMismatch(t *testing.T) {
	codec := newTestCodec(t)

	refresh, err := codec.SignRefresh("user-1", "session-1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("SignRefresh returned error: %v", err)
	}

	if _, err := codec.ParseAccess(refresh); !errors.Is(err, ErrTokenWrongType) {
		t.Fatalf("expected ErrTokenWrongType, got %v", err)
	}
}

func TestTokenCodec_TamperedToken(t *testing.T) {
	codec := newTestCodec(t)

	token, err := codec.SignAccess("user-1", "", "", "session-1", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("SignAccess returned error: %v", err)
	}

	tampered := token[:len(token)-4] + "AAAA"
	if _, err := codec.ParseAccess(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}
