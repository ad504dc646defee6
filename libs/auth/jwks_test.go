package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func jwksServer(t *testing.T, key *rsa.PublicKey, kid string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			},
			{"kty": "EC", "kid": "ec-1"},
		}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWKSClientCachesAndThrottles(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}
	var hits atomic.Int32
	srv := jwksServer(t, &key.PublicKey, "kid-1", &hits)

	now := time.Unix(1_700_000_000, 0)
	c := NewJWKSClient(srv.URL, time.Minute)
	c.now = func() time.Time { return now }

	pub, err := c.Get("kid-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		t.Fatal("key mismatch")
	}
	if _, err := c.Get("kid-1"); err != nil || hits.Load() != 1 {
		t.Fatalf("expected cached key, hits=%d err=%v", hits.Load(), err)
	}

	if _, err := c.Get("ec-1"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("unknown kid refetched within throttle window, hits=%d", hits.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Get("kid-1"); err != nil || hits.Load() != 2 {
		t.Fatalf("expected refresh after ttl, hits=%d err=%v", hits.Load(), err)
	}
}

func TestJWKSClientServesStaleKeyWhenEndpointFails(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}
	var hits atomic.Int32
	srv := jwksServer(t, &key.PublicKey, "kid-1", &hits)

	now := time.Unix(1_700_000_000, 0)
	c := NewJWKSClient(srv.URL, time.Minute)
	c.now = func() time.Time { return now }
	if _, err := c.Get("kid-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	srv.Close()
	now = now.Add(time.Hour)
	if _, err := c.Get("kid-1"); err != nil {
		t.Fatalf("expected stale key, got %v", err)
	}
	if _, err := c.Get("kid-2"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestVerifierUsesJWKSForRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}
	var hits atomic.Int32
	srv := jwksServer(t, &key.PublicKey, "kid-1", &hits)

	token, err := signRS256(Claims{Sub: "twilio", Role: RoleProvider, Exp: time.Now().Add(time.Hour).Unix()}, key, "kid-1")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	v := Verifier{JWKS: NewJWKSClient(srv.URL, time.Minute)}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Sub != "twilio" || claims.Role != RoleProvider {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
