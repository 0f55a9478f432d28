package policy

import "testing"

func TestTombstoneID_BareString(t *testing.T) {
	if id := tombstoneID("https://remote.example/users/erin"); id != "https://remote.example/users/erin" {
		t.Fatalf("unexpected id: %q", id)
	}
}

func TestTombstoneID_EmbeddedObject(t *testing.T) {
	object := map[string]any{"id": "https://remote.example/users/erin", "type": "Tombstone"}
	if id := tombstoneID(object); id != "https://remote.example/users/erin" {
		t.Fatalf("unexpected id: %q", id)
	}
}

func TestTombstoneID_Unrecognized(t *testing.T) {
	if id := tombstoneID(42); id != "" {
		t.Fatalf("expected empty id for an unrecognized shape, got %q", id)
	}
}

func TestParseFlagObject_SingleActor(t *testing.T) {
	target, objectID := parseFlagObject([]any{"https://remote.example/users/erin"})
	if target != "https://remote.example/users/erin" || objectID != "" {
		t.Fatalf("unexpected parse: target=%q objectID=%q", target, objectID)
	}
}

func TestParseFlagObject_ActorAndObject(t *testing.T) {
	target, objectID := parseFlagObject([]any{
		"https://remote.example/users/erin",
		"https://fed.example/notes/01HZY",
	})
	if target != "https://remote.example/users/erin" {
		t.Fatalf("unexpected target: %q", target)
	}
	if objectID != "https://fed.example/notes/01HZY" {
		t.Fatalf("unexpected objectID: %q", objectID)
	}
}

func TestParseFlagObject_BareString(t *testing.T) {
	target, objectID := parseFlagObject("https://remote.example/users/erin")
	if target != "https://remote.example/users/erin" || objectID != "" {
		t.Fatalf("unexpected parse: target=%q objectID=%q", target, objectID)
	}
}
