package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func jwkFor(kid string, pub rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func mintToken(t *testing.T, key *rsa.PrivateKey, kid, subject, issuer, audience string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifySubjectRefreshesOnRotatedKey(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	published := jwkFor("kid-1", key1.PublicKey)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=1")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{published}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed := mintToken(t, key1, "kid-1", "user-a", "issuer-a", "aud-a", time.Now())
	if sub, err := v.VerifySubject(signed); err != nil || sub != "user-a" {
		t.Fatalf("verify with initial key: sub=%q err=%v", sub, err)
	}

	// the auth collaborator rotates its key; the verifier must refetch
	// the key set on the unknown kid without a restart
	published = jwkFor("kid-2", key2.PublicKey)
	signed = mintToken(t, key2, "kid-2", "user-b", "issuer-a", "aud-a", time.Now())
	if sub, err := v.VerifySubject(signed); err != nil || sub != "user-b" {
		t.Fatalf("verify after rotation: sub=%q err=%v", sub, err)
	}
}

func TestVerifySubjectRejectsBadClaims(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{jwkFor("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	futureIat := mintToken(t, key, "kid-1", "user-1", "issuer-a", "aud-a", time.Now().Add(2*time.Minute))
	if _, err := v.VerifySubject(futureIat); err == nil {
		t.Fatalf("expected future iat token to fail")
	}

	wrongAudience := mintToken(t, key, "kid-1", "user-1", "issuer-a", "autre-service", time.Now())
	if _, err := v.VerifySubject(wrongAudience); err == nil {
		t.Fatalf("expected wrong audience token to fail")
	}
}
