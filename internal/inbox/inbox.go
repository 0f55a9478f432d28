// Package inbox is the bridge's federated HTTP surface (§4.5): actor
// documents, WebFinger/NodeInfo discovery, and the signed-activity inbox
// with dedupe and type dispatch. Grounded on the teacher's
// internal/federation/sync.go HandleInbox pipeline (raw-body-capture,
// verify, dedupe, dispatch ordering carries over; the Ed25519 JSON-envelope
// mechanism itself does not) and klistr's HandleActivity type-switch
// dispatch for the "closed enumeration + ignore-unknown default" shape.
package inbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amityvox/amityvox/internal/fedsig"
	"github.com/amityvox/amityvox/internal/mapping"
	"github.com/amityvox/amityvox/internal/ttlcache"
)

// dedupeTTL and dedupeCapacity bound the processed-activity set (§4.5
// "trim by TTL (1 hour) and capacity (10 000 entries)").
const (
	dedupeTTL      = time.Hour
	dedupeCapacity = 10000
	maxInboxBody   = 1 << 20
)

// RawActivity is the minimally-decoded shape every inbound activity must
// satisfy before dispatch (§4.5 step 3: "require id, type, actor"). Raw
// carries the original bytes so a handler can decode into a richer type.
type RawActivity struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Actor json.RawMessage `json:"actor"`
	Raw   json.RawMessage `json:"-"`
}

// Handler processes one activity of a registered type. A returned error is
// logged and never changes the response already sent to the remote peer
// (§4.5 "a handler error is logged, never surfaced").
type Handler func(ctx context.Context, activity RawActivity) error

// Stats supplies the counts NodeInfo reports. Either return value may be
// left at zero if the caller has nothing to report yet.
type Stats func(ctx context.Context) (users, localPosts int, err error)

// Server is the bridge's fed-facing HTTP endpoint set.
type Server struct {
	Router      *chi.Mux
	Sig         *fedsig.Engine
	Lookup      mapping.Lookup
	BaseURL     string
	LocalDomain string
	Version     string
	Stats       Stats
	Logger      *slog.Logger

	// Blocked, if set, is consulted before dispatch with the sending
	// actor's host; a true result drops the activity without running any
	// handler (§4.8 "drop inbound activities whose actor host is
	// blocked"). Per-user blocks are not checked by this hook, and no
	// registered handler checks them either.
	Blocked func(ctx context.Context, actorHost string) bool

	dedupe   *ttlcache.Cache[struct{}]
	limiter  *rateLimiter
	handlers map[string][]Handler
}

// NewServer builds an inbox Server with its routes and middleware already
// registered.
func NewServer(sig *fedsig.Engine, lookup mapping.Lookup, baseURL, localDomain, version string, logger *slog.Logger) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Sig:         sig,
		Lookup:      lookup,
		BaseURL:     baseURL,
		LocalDomain: localDomain,
		Version:     version,
		Logger:      logger,
		dedupe:      ttlcache.New[struct{}](dedupeTTL, dedupeCapacity),
		limiter:     newRateLimiter(100, time.Minute),
		handlers:    make(map[string][]Handler),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// Register appends h to the handler list invoked for inbound activities of
// the given type, in registration order (§9's "a registration API that
// appends handlers" design note).
func (s *Server) Register(activityType string, h Handler) {
	s.handlers[activityType] = append(s.handlers[activityType], h)
}

func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(s.rateLimitMiddleware())
}

func (s *Server) registerRoutes() {
	s.Router.Get("/.well-known/webfinger", s.handleWebfinger)
	s.Router.Get("/.well-known/host-meta", s.handleHostMeta)
	s.Router.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	s.Router.Get("/nodeinfo/2.1", s.handleNodeInfo)

	s.Router.Route("/users/{username}", func(r chi.Router) {
		r.Get("/", s.handleActor)
		r.Get("/outbox", s.handleOutbox)
		r.Get("/followers", s.handleFollowers)
		r.Get("/following", s.handleFollowing)
		r.Post("/inbox", s.handleInbox)
	})
	s.Router.Post("/inbox", s.handleInbox)
}

// handleInbox runs the six-step POST pipeline spec.md §4.5 defines.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	if s.Sig != nil {
		if err := s.Sig.Verify(r.Context(), r, body); err != nil {
			s.Logger.Warn("inbox: signature verification failed", slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	var raw RawActivity
	if err := json.Unmarshal(body, &raw); err != nil || raw.ID == "" || raw.Type == "" || len(raw.Actor) == 0 {
		writeError(w, http.StatusBadRequest, "malformed activity")
		return
	}
	raw.Raw = body

	if s.dedupe.Has(raw.ID) {
		writeStatus(w, http.StatusAccepted, "duplicate")
		return
	}
	s.dedupe.Set(raw.ID, struct{}{})

	s.dispatch(r.Context(), raw)
	writeStatus(w, http.StatusAccepted, "accepted")
}

// dispatch runs every registered handler for activity.Type in registration
// order. An unrecognized type is silently ignored (§4.4 "Edge-case policy"
// / §9 "closed enumeration... default ignore branch").
func (s *Server) dispatch(ctx context.Context, activity RawActivity) {
	if s.Blocked != nil {
		if host := actorHost(activity.Actor); host != "" && s.Blocked(ctx, host) {
			s.Logger.Debug("inbox: dropped activity from blocked host",
				slog.String("host", host), slog.String("activity_id", activity.ID))
			return
		}
	}

	handlers := s.handlers[activity.Type]
	if len(handlers) == 0 {
		s.Logger.Debug("inbox: no handler registered", slog.String("type", activity.Type))
		return
	}
	for _, h := range handlers {
		if err := h(ctx, activity); err != nil {
			s.Logger.Error("inbox: handler failed",
				slog.String("type", activity.Type),
				slog.String("activity_id", activity.ID),
				slog.String("error", err.Error()))
		}
	}
}

// actorHost extracts the host from an actor field that may be serialized
// as a bare actor-id string or as an embedded {"id": ...} object.
func actorHost(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		id = obj.ID
	}
	u, err := url.Parse(id)
	if err != nil {
		return ""
	}
	return u.Host
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(statusResponse{Status: status})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
