package fedsig

import (
	"bytes"
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
)

func newTestSigner(headers []string) (httpsig.Signer, httpsig.Algorithm, error) {
	return httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSignedRequest(t *testing.T, e *Engine, priv *rsa.PrivateKey, keyID string, body []byte, signedAt time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://chat.example/users/alice/inbox", bytes.NewReader(body))
	req.Host = "chat.example"
	req.Header.Set("Date", signedAt.UTC().Format(http.TimeFormat))

	headers := defaultHeadersNoBody
	if len(body) > 0 {
		headers = defaultHeaders
	}
	signer, _, err := newTestSigner(headers)
	if err != nil {
		t.Fatalf("newTestSigner: %v", err)
	}
	if err := signer.SignRequest(priv, keyID, req, body); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	return req
}

func TestEngine_Verify_HappyPath(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}

	fetchCount := 0
	fetch := func(ctx context.Context, keyID string) (string, error) {
		fetchCount++
		return pubPEM, nil
	}
	e := NewEngine(fetch, 16, testLogger())

	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"x"}`)
	req := newSignedRequest(t, e, priv, "https://chat.example/users/alice#main-key", body, signedAt)

	verifyAt := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	if err := e.verifyAt(context.Background(), req, body, verifyAt); err != nil {
		t.Fatalf("Verify: unexpected error: %v", err)
	}
	if fetchCount != 1 {
		t.Fatalf("expected one key fetch, got %d", fetchCount)
	}

	// Second verification should hit the cache, not fetch again.
	req2 := newSignedRequest(t, e, priv, "https://chat.example/users/alice#main-key", body, signedAt)
	if err := e.verifyAt(context.Background(), req2, body, verifyAt); err != nil {
		t.Fatalf("Verify (cached): unexpected error: %v", err)
	}
	if fetchCount != 1 {
		t.Fatalf("expected key cache hit on second verify, got %d fetches", fetchCount)
	}
}

func TestEngine_Verify_ClockSkewRejected(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}

	fetchCount := 0
	fetch := func(ctx context.Context, keyID string) (string, error) {
		fetchCount++
		return pubPEM, nil
	}
	e := NewEngine(fetch, 16, testLogger())

	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"x"}`)
	req := newSignedRequest(t, e, priv, "https://chat.example/users/alice#main-key", body, signedAt)

	verifyAt := time.Date(2026, 1, 1, 12, 0, 45, 0, time.UTC)
	if err := e.verifyAt(context.Background(), req, body, verifyAt); err == nil {
		t.Fatal("expected clock skew rejection")
	}
	if fetchCount != 0 {
		t.Fatalf("expected no key fetch on clock skew rejection, got %d", fetchCount)
	}
}

func TestEngine_Verify_ExactBoundaryRejected(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	fetch := func(ctx context.Context, keyID string) (string, error) { return pubPEM, nil }
	e := NewEngine(fetch, 16, testLogger())

	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"x"}`)
	req := newSignedRequest(t, e, priv, "https://chat.example/users/alice#main-key", body, signedAt)

	verifyAt := signedAt.Add(MaxClockSkew)
	if err := e.verifyAt(context.Background(), req, body, verifyAt); err == nil {
		t.Fatal("expected exactly-30s skew to be rejected")
	}
}

func TestEngine_Verify_DigestMismatchRejected(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	fetch := func(ctx context.Context, keyID string) (string, error) { return pubPEM, nil }
	e := NewEngine(fetch, 16, testLogger())

	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"x"}`)
	req := newSignedRequest(t, e, priv, "https://chat.example/users/alice#main-key", body, signedAt)

	verifyAt := signedAt.Add(10 * time.Second)
	tamperedBody := []byte(`{"id":"y"}`)
	if err := e.verifyAt(context.Background(), req, tamperedBody, verifyAt); err == nil {
		t.Fatal("expected digest mismatch rejection")
	}
}

func TestEngine_Verify_NoBodyNoDigestHeader(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	fetch := func(ctx context.Context, keyID string) (string, error) { return pubPEM, nil }
	e := NewEngine(fetch, 16, testLogger())

	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	req := newSignedRequest(t, e, priv, "https://chat.example/users/alice#main-key", nil, signedAt)
	if req.Header.Get("Digest") != "" {
		t.Fatal("expected no Digest header on empty body")
	}

	verifyAt := signedAt.Add(10 * time.Second)
	if err := e.verifyAt(context.Background(), req, nil, verifyAt); err != nil {
		t.Fatalf("Verify: unexpected error: %v", err)
	}
}

func TestEngine_Verify_EvictsKeyOnFailure(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	otherPriv, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair (other): %v", err)
	}
	otherKey, err := ParsePrivateKey(otherPriv)
	if err != nil {
		t.Fatalf("ParsePrivateKey (other): %v", err)
	}

	fetchCount := 0
	fetch := func(ctx context.Context, keyID string) (string, error) {
		fetchCount++
		return pubPEM, nil
	}
	e := NewEngine(fetch, 16, testLogger())

	signedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"x"}`)
	keyID := "https://chat.example/users/alice#main-key"

	// Sign with the wrong key so verification fails against the cached
	// (correct) public key, then confirm a fresh fetch happens next time.
	req := newSignedRequest(t, e, otherKey, keyID, body, signedAt)
	verifyAt := signedAt.Add(10 * time.Second)
	if err := e.verifyAt(context.Background(), req, body, verifyAt); err == nil {
		t.Fatal("expected signature verification failure")
	}
	if e.keyCache.Has(keyID) {
		t.Fatal("expected key to be evicted after failed verification")
	}

	req2 := newSignedRequest(t, e, priv, keyID, body, signedAt)
	if err := e.verifyAt(context.Background(), req2, body, verifyAt); err != nil {
		t.Fatalf("Verify after refetch: unexpected error: %v", err)
	}
	if fetchCount != 2 {
		t.Fatalf("expected refetch after eviction, got %d fetches", fetchCount)
	}
}
