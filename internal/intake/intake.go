// Package intake is the bridge's chat-facing HTTP surface (§4.9): the
// Matrix application-service transaction endpoint, a replay guard keyed by
// transaction id, ghost/bot loop-prevention filtering, and event-type
// dispatch into the bridge's translate-out queue.
//
// There is no teacher package for this: the teacher ships only a
// placeholder (bridges/matrix/main.go, "not yet implemented... v0.2.0").
// The request pipeline shape is grounded on the teacher's own
// internal/inbox dispatch-and-dedupe idiom (itself grounded on
// internal/federation/sync.go's HandleInbox), mirrored here for the
// appservice side: capture body, authenticate, dedupe, dispatch, respond.
// The bearer check reuses the extractBearerToken/writeAuthError idiom from
// internal/auth/middleware.go, adapted from session tokens to the single
// static hs_token a homeserver presents on every callback.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"

	"github.com/amityvox/amityvox/internal/ttlcache"
)

// txnTTL/txnCapacity bound the replay-guard set, mirroring internal/inbox's
// dedupe cache sizing (§4.9 "a transaction id set (size-capped)").
const (
	txnTTL      = time.Hour
	txnCapacity = 10000
	maxTxnBody  = 4 << 20

	// botLocalpart is the bridge's own appservice sender, excluded from
	// translate-out the same way a remote ghost's mirrored activity is
	// (§5 "the bridge bot user").
	botLocalpart = "amityvox"
)

// ghostLocalpart matches the puppet naming scheme spec.md §5 reserves for
// fed-originated ghosts: _ap_<user>_<instance>.
var ghostLocalpart = regexp.MustCompile(`^_ap_[^_]+_.+$`)

// Handler processes one chat event accepted past loop-prevention. A
// returned error is logged and never changes the response already sent to
// the homeserver (§4.9 "failures are logged, never propagate").
type Handler func(ctx context.Context, evt *event.Event) error

// Server is the bridge's appservice-facing HTTP endpoint set.
type Server struct {
	Router      *chi.Mux
	HSToken     string
	LocalDomain string
	Logger      *slog.Logger

	// UserExists and RoomExists answer the provisioning queries §6
	// exposes (GET .../users/:userId, .../rooms/:alias): true means
	// "claimed, respond 200 {}"; false means 404. Both nil-safe; a nil
	// value always answers 404, the same optional-collaborator pattern
	// internal/bridge and internal/inbox use for Directory/Blocked/Stats.
	UserExists func(ctx context.Context, userID string) (bool, error)
	RoomExists func(ctx context.Context, alias string) (bool, error)

	txnSeen  *ttlcache.Cache[struct{}]
	handlers map[string][]Handler
}

// NewServer builds an intake Server with its routes already registered.
func NewServer(hsToken, localDomain string, logger *slog.Logger) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		HSToken:     hsToken,
		LocalDomain: localDomain,
		Logger:      logger,
		txnSeen:     ttlcache.New[struct{}](txnTTL, txnCapacity),
		handlers:    make(map[string][]Handler),
	}
	s.registerRoutes()
	return s
}

// Register appends h to the handler list invoked for chat events of the
// given Matrix event type (e.g. "m.room.message"), in registration order.
func (s *Server) Register(eventType string, h Handler) {
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

func (s *Server) registerRoutes() {
	s.Router.Put("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction)
	s.Router.Get("/_matrix/app/v1/users/{userID}", s.handleUserQuery)
	s.Router.Get("/_matrix/app/v1/rooms/{alias}", s.handleRoomQuery)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r) {
		return
	}
	txnID := chi.URLParam(r, "txnID")
	if s.txnSeen.Has(txnID) {
		writeEmpty(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxnBody))
	if err != nil {
		writeAppserviceError(w, http.StatusBadRequest, "M_BAD_JSON", "reading request body")
		return
	}
	var txn appservice.Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		writeAppserviceError(w, http.StatusBadRequest, "M_BAD_JSON", "decoding transaction")
		return
	}

	// Mark seen before dispatch: a homeserver that retries mid-processing
	// must get the same "accepted, don't resend" answer a slow first
	// attempt would have produced.
	s.txnSeen.Set(txnID, struct{}{})

	for _, evt := range txn.Events {
		if evt == nil || s.shouldIgnore(evt) {
			continue
		}
		s.dispatch(r.Context(), evt)
	}
	writeEmpty(w)
}

// shouldIgnore applies §4.9's loop-prevention filter: events sent by one of
// this bridge's own ghosts, or by the bridge bot itself, are never
// translated back out to the fed side.
func (s *Server) shouldIgnore(evt *event.Event) bool {
	localpart, homeserver := splitUserID(string(evt.Sender))
	if homeserver != s.LocalDomain {
		return false
	}
	return localpart == botLocalpart || ghostLocalpart.MatchString(localpart)
}

// dispatch runs every registered handler for evt's type in registration
// order. An unrecognized type is silently ignored, the same closed-
// enumeration-plus-ignore shape internal/inbox.dispatch uses.
func (s *Server) dispatch(ctx context.Context, evt *event.Event) {
	handlers := s.handlers[evt.Type.Type]
	if len(handlers) == 0 {
		s.Logger.Debug("intake: no handler registered", slog.String("type", evt.Type.Type))
		return
	}
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			s.Logger.Error("intake: handler failed",
				slog.String("type", evt.Type.Type),
				slog.String("event_id", string(evt.ID)),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r) {
		return
	}
	userID := chi.URLParam(r, "userID")
	claimed, err := queryExists(r.Context(), s.UserExists, userID)
	s.respondClaimed(w, claimed, err)
}

func (s *Server) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r) {
		return
	}
	alias := chi.URLParam(r, "alias")
	claimed, err := queryExists(r.Context(), s.RoomExists, alias)
	s.respondClaimed(w, claimed, err)
}

func queryExists(ctx context.Context, fn func(context.Context, string) (bool, error), key string) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return fn(ctx, key)
}

func (s *Server) respondClaimed(w http.ResponseWriter, claimed bool, err error) {
	if err != nil {
		s.Logger.Error("intake: provisioning query failed", slog.String("error", err.Error()))
		writeAppserviceError(w, http.StatusInternalServerError, "M_UNKNOWN", "lookup failed")
		return
	}
	if !claimed {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{})
		return
	}
	writeEmpty(w)
}

// authenticate checks the hs_token the homeserver presents (§4.9 "requires
// a static bearer token to authenticate the homeserver's callbacks").
// Current Matrix spec revisions send it as an Authorization bearer header;
// older homeservers still send it as an access_token query parameter, so
// both are accepted.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	token := bearerToken(r)
	if token == "" || token != s.HSToken {
		writeAppserviceError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "missing or invalid hs_token")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// splitUserID parses a Matrix user id of the form "@localpart:homeserver"
// without pulling in the full id.UserID parsing surface, mirroring
// internal/bridge.parseHandle's minimal hand-rolled split.
func splitUserID(userID string) (localpart, homeserver string) {
	if len(userID) == 0 || userID[0] != '@' {
		return "", ""
	}
	rest := userID[1:]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

func writeEmpty(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

func writeAppserviceError(w http.ResponseWriter, code int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"errcode": errcode, "error": message})
}

// Registration builds the appservice registration document spec.md §6
// requires: username/alias regex namespaces for the bridge's ghost
// identities, and the two tokens the homeserver and bridge exchange.
func Registration(id, baseURL, asToken, hsToken, localDomain string) *appservice.Registration {
	userRegex := fmt.Sprintf(`@_ap_.*:%s`, regexp.QuoteMeta(localDomain))
	aliasRegex := fmt.Sprintf(`#_ap_.*:%s`, regexp.QuoteMeta(localDomain))
	return &appservice.Registration{
		ID:              id,
		URL:             baseURL,
		AsToken:         asToken,
		HSToken:         hsToken,
		SenderLocalpart: botLocalpart,
		Namespaces: appservice.Namespaces{
			UserIDs:     []appservice.Namespace{{Regex: userRegex, Exclusive: true}},
			RoomAliases: []appservice.Namespace{{Regex: aliasRegex, Exclusive: true}},
		},
	}
}
