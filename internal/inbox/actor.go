package inbox

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// activityMIMETypes are the Accept values that make content negotiation
// return the JSON-LD document instead of redirecting to a human page.
var activityMIMETypes = map[string]bool{
	"application/activity+json": true,
	"application/ld+json":       true,
}

func wantsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if activityMIMETypes[mt] {
			return true
		}
	}
	return false
}

// Image is an AP image reference, used for an actor's icon/avatar.
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// PublicKey is an actor's advertised signing key (§4.2, §6).
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints carries an actor's shared-inbox endpoint.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

// Actor is the JSON-LD document served for GET /users/:username (§6).
type Actor struct {
	Context           []string  `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Icon              *Image    `json:"icon,omitempty"`
	Image             *Image    `json:"image,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox"`
	Followers         string    `json:"followers"`
	Following         string    `json:"following"`
	PublicKey         PublicKey `json:"publicKey"`
	Endpoints         Endpoints `json:"endpoints"`
}

// handleActor serves the actor document, content-negotiating between the
// JSON-LD representation and a redirect to the human profile page (§4.5
// "Content negotiation").
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	u, err := s.Lookup.GetUserByChatID(r.Context(), "@"+username+":"+s.LocalDomain)
	if err != nil || u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if !wantsActivityJSON(r) {
		http.Redirect(w, r, s.BaseURL+"/@"+username, http.StatusSeeOther)
		return
	}

	actorURL := s.BaseURL + "/users/" + username
	actor := Actor{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: username,
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		Following:         actorURL + "/following",
		PublicKey: PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: derefStr(u.PublicKeyPEM),
		},
		Endpoints: Endpoints{SharedInbox: s.BaseURL + "/inbox"},
	}
	if u.DisplayName != nil {
		actor.Name = *u.DisplayName
	}
	if u.AvatarURL != nil {
		actor.Icon = &Image{Type: "Image", URL: *u.AvatarURL}
	}

	w.Header().Set("Content-Type", "application/activity+json")
	w.Header().Set("Cache-Control", "max-age=180")
	json.NewEncoder(w).Encode(actor)
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// orderedCollection is the minimal OrderedCollection envelope served for an
// actor's outbox/followers/following (§6). The first page is always empty;
// this bridge does not retain a queryable activity history beyond the
// message-mapping table translation already persists.
type orderedCollection struct {
	Context    string `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first"`
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	s.writeEmptyCollection(w, r, "outbox")
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.writeEmptyCollection(w, r, "followers")
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.writeEmptyCollection(w, r, "following")
}

func (s *Server) writeEmptyCollection(w http.ResponseWriter, r *http.Request, which string) {
	username := chi.URLParam(r, "username")
	base := s.BaseURL + "/users/" + username + "/" + which
	coll := orderedCollection{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      base,
		Type:    "OrderedCollection",
		First:   base + "?page=1",
	}
	w.Header().Set("Content-Type", "application/activity+json")
	json.NewEncoder(w).Encode(coll)
}

type wellKnownLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []wellKnownLink `json:"links"`
}

// handleWebfinger resolves acct:user@host to this bridge's actor URL (§6).
func (s *Server) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	user, host, ok := parseAcct(resource)
	if !ok || host != s.LocalDomain {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if u, err := s.Lookup.GetUserByChatID(r.Context(), "@"+user+":"+s.LocalDomain); err != nil || u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	actorURL := s.BaseURL + "/users/" + user
	resp := webfingerResponse{
		Subject: resource,
		Aliases: []string{actorURL},
		Links: []wellKnownLink{
			{Rel: "self", Type: "application/activity+json", Href: actorURL},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: s.BaseURL + "/@" + user},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Cache-Control", "max-age=3600")
	json.NewEncoder(w).Encode(resp)
}

func parseAcct(resource string) (user, host string, ok bool) {
	rest := strings.TrimPrefix(resource, "acct:")
	if rest == resource {
		return "", "", false
	}
	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		return "", "", false
	}
	return rest[:at], rest[at+1:], true
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml; charset=utf-8")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" type="application/xrd+xml" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.BaseURL)
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]wellKnownLink{
		"links": {
			{Rel: "http://nodeinfo.diaspora.software/ns/schema/2.1", Href: s.BaseURL + "/nodeinfo/2.1"},
		},
	})
}

type nodeInfoUsage struct {
	Users struct {
		Total int `json:"total"`
	} `json:"users"`
	LocalPosts int `json:"localPosts"`
}

type nodeInfoDocument struct {
	Version  string `json:"version"`
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
	Protocols         []string      `json:"protocols"`
	Usage             nodeInfoUsage `json:"usage"`
	OpenRegistrations bool          `json:"openRegistrations"`
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	doc := nodeInfoDocument{
		Version:           "2.1",
		Protocols:         []string{"activitypub"},
		OpenRegistrations: false,
	}
	doc.Software.Name = "amityvox-fed"
	doc.Software.Version = s.Version
	if s.Stats != nil {
		if users, posts, err := s.Stats(r.Context()); err == nil {
			doc.Usage.Users.Total = users
			doc.Usage.LocalPosts = posts
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
