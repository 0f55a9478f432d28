// Package search integrates with Meilisearch to provide actor/ghost
// typeahead lookup for the bridge's directory (§4.7 "Domain stack"). It is
// optional and disabled by default: the coordinator works without it, it
// only loses fast fuzzy handle search.
//
// Grounded on the teacher's internal/config.SearchConfig/cmd/amityvox
// wiring (Enabled/URL/APIKey toggle, EnsureIndexes-on-boot) and on its
// internal/api/search_handlers.go SearchRequest/SearchResult shape; the
// teacher's own internal/search package is an unimplemented v0.2.0 stub, so
// the index/document/client calls below follow meilisearch-go's own
// documented API directly rather than a teacher implementation.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meilisearch/meilisearch-go"
)

// IndexActors is the single directory index. Unlike the teacher's
// per-entity-type indexes (messages/users/guilds/channels) there is only
// one kind of document here: a local actor or a cached remote ghost.
const IndexActors = "actors"

// ActorDoc is the document shape indexed for directory lookups.
type ActorDoc struct {
	ID          string  `json:"id"`
	Handle      string  `json:"handle"`
	Host        string  `json:"host"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Local       bool    `json:"local"`
}

// SearchRequest is a directory lookup.
type SearchRequest struct {
	Query  string
	Limit  int
	Offset int
}

// SearchResult is the ranked set of matching actor ids.
type SearchResult struct {
	IDs              []string `json:"ids"`
	EstimatedTotal   int64    `json:"estimated_total"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// Config configures the Meilisearch connection.
type Config struct {
	URL    string
	APIKey string
	Logger *slog.Logger
}

// Service wraps a Meilisearch client scoped to the directory index.
type Service struct {
	client meilisearch.ServiceManager
	logger *slog.Logger
}

// New dials Meilisearch and returns a Service. Callers should treat a
// non-nil error as "directory search unavailable" and continue without it,
// the same way the teacher treats a failed media/search dial as a
// soft-disable rather than a startup failure.
func New(cfg Config) (*Service, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("search: no URL configured")
	}
	client := meilisearch.New(cfg.URL, meilisearch.WithAPIKey(cfg.APIKey))
	if _, err := client.Health(); err != nil {
		return nil, fmt.Errorf("search: meilisearch health check: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, logger: logger}, nil
}

// EnsureIndexes creates the directory index and its searchable/filterable
// attributes if they do not already exist.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	idx := s.client.Index(IndexActors)
	if _, err := idx.FetchInfo(); err != nil {
		if _, err := s.client.CreateIndex(&meilisearch.IndexConfig{
			Uid:        IndexActors,
			PrimaryKey: "id",
		}); err != nil {
			return fmt.Errorf("search: creating %s index: %w", IndexActors, err)
		}
	}
	if _, err := idx.UpdateSearchableAttributes(&[]string{"handle", "display_name"}); err != nil {
		return fmt.Errorf("search: setting searchable attributes: %w", err)
	}
	if _, err := idx.UpdateFilterableAttributes(&[]string{"host", "local"}); err != nil {
		return fmt.Errorf("search: setting filterable attributes: %w", err)
	}
	return nil
}

const actorPrimaryKey = "id"

// IndexActor upserts one actor document. Meilisearch's AddDocuments is an
// upsert keyed by primary key, so this also covers profile-field updates
// (display name, avatar) on an already-known ghost.
func (s *Service) IndexActor(ctx context.Context, doc ActorDoc) error {
	if _, err := s.client.Index(IndexActors).AddDocuments([]ActorDoc{doc}, actorPrimaryKey); err != nil {
		return fmt.Errorf("search: indexing actor %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteActor removes an actor document, used when a ghost is purged
// (§4.8 actor purge) or a local account is deleted.
func (s *Service) DeleteActor(ctx context.Context, id string) error {
	if _, err := s.client.Index(IndexActors).DeleteDocument(id); err != nil {
		return fmt.Errorf("search: deleting actor %s: %w", id, err)
	}
	return nil
}

// Search runs a directory typeahead query, defaulting and clamping Limit
// the same way the teacher's handleSearchMessages does (0 or out-of-range
// falls back to 20, capped at 100).
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	resp, err := s.client.Index(IndexActors).Search(req.Query, &meilisearch.SearchRequest{
		Limit:  int64(limit),
		Offset: int64(req.Offset),
	})
	if err != nil {
		return SearchResult{}, fmt.Errorf("search: query %q: %w", req.Query, err)
	}
	ids := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		m, ok := hit.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := m["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return SearchResult{
		IDs:              ids,
		EstimatedTotal:   resp.EstimatedTotalHits,
		ProcessingTimeMs: resp.ProcessingTimeMs,
	}, nil
}
