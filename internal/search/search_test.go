package search

import (
	"encoding/json"
	"testing"
)

func TestIndexActors_Value(t *testing.T) {
	if IndexActors != "actors" {
		t.Errorf("IndexActors = %q, want %q", IndexActors, "actors")
	}
}

func TestActorDoc_JSON(t *testing.T) {
	name := "Erin"
	doc := ActorDoc{
		ID:          "01HZY0000000000000000000ER",
		Handle:      "erin@remote.example",
		Host:        "remote.example",
		DisplayName: &name,
		Local:       false,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded ActorDoc
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Handle != doc.Handle {
		t.Errorf("handle = %q, want %q", decoded.Handle, doc.Handle)
	}
	if decoded.DisplayName == nil || *decoded.DisplayName != name {
		t.Errorf("display_name = %v, want %q", decoded.DisplayName, name)
	}
}

func TestActorDoc_OmitEmptyDisplayName(t *testing.T) {
	doc := ActorDoc{
		ID:     "01HZY0000000000000000000LO",
		Handle: "local-user",
		Host:   "fed.example",
		Local:  true,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if _, exists := raw["display_name"]; exists {
		t.Error("display_name should be omitted when nil")
	}
	if _, exists := raw["avatar_url"]; exists {
		t.Error("avatar_url should be omitted when nil")
	}
}

func TestSearchResult_JSON(t *testing.T) {
	result := SearchResult{
		IDs:              []string{"01HZY0000000000000000000ER"},
		EstimatedTotal:   3,
		ProcessingTimeMs: 2,
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded SearchResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.EstimatedTotal != 3 {
		t.Errorf("estimated_total = %d, want 3", decoded.EstimatedTotal)
	}
	if len(decoded.IDs) != 1 || decoded.IDs[0] != result.IDs[0] {
		t.Errorf("ids = %v, want %v", decoded.IDs, result.IDs)
	}
}

func TestNew_RejectsEmptyURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error for a config with no URL")
	}
}
