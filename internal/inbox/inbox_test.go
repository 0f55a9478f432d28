package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amityvox/amityvox/internal/fedsig"
	"github.com/amityvox/amityvox/internal/models"
)

// stubLookup satisfies mapping.Lookup with a single registered user, enough
// for the actor/webfinger and dispatch-pipeline tests in this package.
type stubLookup struct {
	usersByChatID map[string]*models.User
}

func newStubLookup() *stubLookup {
	return &stubLookup{usersByChatID: make(map[string]*models.User)}
}

func (l *stubLookup) GetUser(ctx context.Context, id string) (*models.User, error) { return nil, nil }

func (l *stubLookup) GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error) {
	return l.usersByChatID[chatUserID], nil
}

func (l *stubLookup) GetUserByFedActorID(ctx context.Context, fedActorID string) (*models.User, error) {
	return nil, nil
}

func (l *stubLookup) GetMessageMappingByChatEventID(ctx context.Context, chatEventID string) (*models.MessageMapping, error) {
	return nil, nil
}

func (l *stubLookup) GetMessageMappingByFedObjectID(ctx context.Context, fedObjectID string) (*models.MessageMapping, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer() *Server {
	return NewServer(nil, newStubLookup(), "https://fed.example", "fed.example", "test", discardLogger())
}

func postInbox(s *Server, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHandleInbox_DedupeSecondPostSkipsDispatch(t *testing.T) {
	s := testServer()
	var calls int
	s.Register("Follow", func(ctx context.Context, a RawActivity) error {
		calls++
		return nil
	})

	activity, _ := json.Marshal(map[string]any{
		"id":    "https://remote.example/activities/1",
		"type":  "Follow",
		"actor": "https://remote.example/users/erin",
	})

	w1 := postInbox(s, activity)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first post: want 202, got %d", w1.Code)
	}
	if calls != 1 {
		t.Fatalf("want 1 dispatch after first post, got %d", calls)
	}

	w2 := postInbox(s, activity)
	if w2.Code != http.StatusAccepted {
		t.Fatalf("second post: want 202, got %d", w2.Code)
	}
	if calls != 1 {
		t.Fatalf("want dispatch count unchanged by duplicate, got %d", calls)
	}
}

func TestHandleInbox_MissingRequiredFieldsReturns400(t *testing.T) {
	s := testServer()
	body, _ := json.Marshal(map[string]any{"type": "Follow"})
	w := postInbox(s, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
}

func TestHandleInbox_BadSignatureReturns401(t *testing.T) {
	engine := fedsig.NewEngine(func(ctx context.Context, keyID string) (string, error) {
		return "", nil
	}, 16, discardLogger())
	s := NewServer(engine, newStubLookup(), "https://fed.example", "fed.example", "test", discardLogger())

	activity, _ := json.Marshal(map[string]any{
		"id":    "https://remote.example/activities/2",
		"type":  "Follow",
		"actor": "https://remote.example/users/erin",
	})

	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(activity))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 on missing Date/Signature, got %d", w.Code)
	}
}

func TestHandleInbox_UnknownTypeIgnoredNotRejected(t *testing.T) {
	s := testServer()
	activity, _ := json.Marshal(map[string]any{
		"id":    "https://remote.example/activities/3",
		"type":  "SomeUnknownActivity",
		"actor": "https://remote.example/users/erin",
	})
	w := postInbox(s, activity)
	if w.Code != http.StatusAccepted {
		t.Fatalf("want 202 even for an unregistered type, got %d", w.Code)
	}
}

func TestActorHost_BareStringActor(t *testing.T) {
	raw, _ := json.Marshal("https://remote.example/users/erin")
	if host := actorHost(raw); host != "remote.example" {
		t.Fatalf("unexpected host: %q", host)
	}
}

func TestActorHost_EmbeddedObjectActor(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"id": "https://remote.example/users/erin", "type": "Person"})
	if host := actorHost(raw); host != "remote.example" {
		t.Fatalf("unexpected host: %q", host)
	}
}

func TestHandleInbox_BlockedHostDropsBeforeDispatch(t *testing.T) {
	s := testServer()
	var dispatched bool
	s.Register("Follow", func(ctx context.Context, activity RawActivity) error {
		dispatched = true
		return nil
	})
	s.Blocked = func(ctx context.Context, host string) bool {
		return host == "remote.example"
	}

	activity, _ := json.Marshal(map[string]any{
		"id":    "https://remote.example/activities/4",
		"type":  "Follow",
		"actor": "https://remote.example/users/erin",
	})
	w := postInbox(s, activity)
	if w.Code != http.StatusAccepted {
		t.Fatalf("want 202 even when dropped, got %d", w.Code)
	}
	if dispatched {
		t.Fatal("handler should not run for a blocked host")
	}
}

func TestHandleActor_ContentNegotiation(t *testing.T) {
	lookup := newStubLookup()
	name := "Erin"
	lookup.usersByChatID["@erin:fed.example"] = &models.User{ID: "u1", DisplayName: &name}
	s := NewServer(nil, lookup, "https://fed.example", "fed.example", "test", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/users/erin", nil)
	req.Header.Set("Accept", "application/activity+json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200 for activity Accept header, got %d", w.Code)
	}
	var actor Actor
	if err := json.Unmarshal(w.Body.Bytes(), &actor); err != nil {
		t.Fatalf("decoding actor: %v", err)
	}
	if actor.ID != "https://fed.example/users/erin" || actor.Type != "Person" {
		t.Fatalf("unexpected actor: %+v", actor)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/users/erin", nil)
	req2.Header.Set("Accept", "text/html")
	w2 := httptest.NewRecorder()
	s.Router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusSeeOther {
		t.Fatalf("want 303 redirect for an html Accept header, got %d", w2.Code)
	}
}

func TestHandleActor_UnknownUserReturns404(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/users/ghost", nil)
	req.Header.Set("Accept", "application/activity+json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404 for unknown user, got %d", w.Code)
	}
}

func TestHandleWebfinger_ResolvesLocalUser(t *testing.T) {
	lookup := newStubLookup()
	lookup.usersByChatID["@erin:fed.example"] = &models.User{ID: "u1"}
	s := NewServer(nil, lookup, "https://fed.example", "fed.example", "test", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:erin@fed.example", nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var resp webfingerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding webfinger response: %v", err)
	}
	if resp.Subject != "acct:erin@fed.example" || len(resp.Links) != 2 {
		t.Fatalf("unexpected webfinger response: %+v", resp)
	}
}

func TestHandleWebfinger_WrongHostReturns404(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:erin@other.example", nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404 for a foreign host, got %d", w.Code)
	}
}

func TestHandleNodeInfo_ReportsStats(t *testing.T) {
	s := testServer()
	s.Stats = func(ctx context.Context) (int, int, error) { return 3, 7, nil }

	req := httptest.NewRequest(http.MethodGet, "/nodeinfo/2.1", nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	var doc nodeInfoDocument
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding nodeinfo: %v", err)
	}
	if doc.Usage.Users.Total != 3 || doc.Usage.LocalPosts != 7 {
		t.Fatalf("unexpected nodeinfo usage: %+v", doc.Usage)
	}
}

func TestRateLimit_ExhaustedBucketReturns429(t *testing.T) {
	s := testServer()
	s.limiter = newRateLimiter(1, time.Hour) // one request allowed per hour-long window

	activity, _ := json.Marshal(map[string]any{
		"id":    "https://remote.example/activities/4",
		"type":  "Follow",
		"actor": "https://remote.example/users/erin",
	})

	req1 := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(activity))
	req1.RemoteAddr = "203.0.113.5:1234"
	w1 := httptest.NewRecorder()
	s.Router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request should pass the bucket, got %d", w1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(activity))
	req2.RemoteAddr = "203.0.113.5:1234"
	w2 := httptest.NewRecorder()
	s.Router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second immediate request should be rate limited, got %d", w2.Code)
	}
}

func TestHostFromRequest_PrefersKeyIDOverForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/inbox", nil)
	req.Header.Set("Signature", `keyId="https://remote.example/users/erin#main-key",algorithm="rsa-sha256",headers="(request-target) host date",signature="abc"`)
	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	if got := hostFromRequest(req); got != "remote.example" {
		t.Fatalf("want remote.example from keyId, got %q", got)
	}
}

func TestHostFromRequest_FallsBackToForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/inbox", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	if got := hostFromRequest(req); got != "198.51.100.9" {
		t.Fatalf("want first X-Forwarded-For entry, got %q", got)
	}
}
