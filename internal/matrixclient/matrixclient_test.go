package matrixclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetEvent_ParsesEventBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/rooms/!room:example/event/$abc" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "as-token" {
			t.Fatalf("missing access_token query param: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Event{
			EventID: "$abc",
			RoomID:  "!room:example",
			Sender:  "@erin:example",
			Type:    "m.room.message",
			Content: json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token")
	evt, err := c.GetEvent(t.Context(), "!room:example", "$abc")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if evt.EventID != "$abc" || evt.Sender != "@erin:example" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	var content MessageContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		t.Fatalf("decoding content: %v", err)
	}
	if content.Body != "hi" {
		t.Fatalf("unexpected content: %+v", content)
	}
}

func TestGetEvent_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token")
	if _, err := c.GetEvent(t.Context(), "!room:example", "$missing"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestSendMessage_ReturnsAssignedEventID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.URL.Query().Get("user_id") != "@ghost-erin:example" {
			t.Fatalf("expected ghost masquerade user_id, got %q", r.URL.Query().Get("user_id"))
		}
		var content MessageContent
		json.NewDecoder(r.Body).Decode(&content)
		if content.Body != "hello" {
			t.Fatalf("unexpected body sent: %+v", content)
		}
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$new"})
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token")
	eventID, err := c.SendMessage(t.Context(), "!room:example", "@ghost-erin:example", MessageContent{
		MsgType: "m.text",
		Body:    "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if eventID != "$new" {
		t.Fatalf("unexpected event id: %q", eventID)
	}
}

func TestEnsureGhost_TreatsUserInUseAndAlreadyJoinedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_matrix/client/v3/register":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_USER_IN_USE"})
		case r.Method == http.MethodPost && r.URL.Path[len(r.URL.Path)-5:] == "/join":
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_FORBIDDEN", "error": "already in room"})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token")
	if err := c.EnsureGhost(t.Context(), "ghost-erin", "example", "!room:example"); err != nil {
		t.Fatalf("EnsureGhost: %v", err)
	}
}

func TestEnsureGhost_RegisterFailureIsPropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token")
	if err := c.EnsureGhost(t.Context(), "ghost-erin", "example", "!room:example"); err == nil {
		t.Fatal("expected registration failure to propagate")
	}
}

func TestSetProfile_SkipsEmptyFields(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "as-token")
	if err := c.SetProfile(t.Context(), "@ghost-erin:example", "Erin", ""); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one call (displayname only), got %v", calls)
	}
	if calls[0] != "/_matrix/client/v3/profile/@ghost-erin:example/displayname" {
		t.Fatalf("unexpected call: %s", calls[0])
	}
}
