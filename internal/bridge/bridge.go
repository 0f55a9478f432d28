// Package bridge is the cross-protocol coordinator (§4.7): it resolves a
// remote @user@domain handle to a cached actor document through the
// webfinger→self-link→actor chain, and exposes the follow/unfollow/like/
// announce/delete/block verbs. Each verb constructs the appropriate
// activity, persists its mapping row through internal/mapping, and hands
// the activity to internal/pipeline's deliver queue.
//
// Handle resolution and its SSRF guard are grounded on the teacher's
// internal/federation/federation.go DiscoverInstance/ValidateFederationDomain,
// generalized from instance-level discovery (fetch /.well-known/amityvox)
// to actor-level webfinger discovery.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amityvox/amityvox/internal/mapping"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/pipeline"
	"github.com/amityvox/amityvox/internal/search"
	"github.com/amityvox/amityvox/internal/ttlcache"
)

const (
	actorCacheTTL = 10 * time.Minute
	actorCacheCap = 2000
	fetchTimeout  = 10 * time.Second
	maxDocBytes   = 1 << 20
)

// PublicURI is the AP well-known public-audience URI.
const PublicURI = "https://www.w3.org/ns/activitystreams#Public"

// Actor is the subset of a remote actor document the coordinator needs to
// persist a ghost row and address deliveries.
type Actor struct {
	ID           string
	Inbox        string
	SharedInbox  string
	PublicKeyPEM string
	Name         string
	Icon         string
}

type actorDoc struct {
	ID    string `json:"id"`
	Inbox string `json:"inbox"`
	Name  string `json:"name"`
	Icon  *struct {
		URL string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

type webfingerDoc struct {
	Links []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Coordinator owns handle resolution and the cross-protocol verbs.
type Coordinator struct {
	Store   *mapping.Store
	Queues  *pipeline.Manager
	BaseURL string
	Logger  *slog.Logger

	// Directory is the optional Meilisearch-backed actor typeahead index
	// (§4.7 "Domain stack"). Nil when search is disabled in config; every
	// call site treats that as "skip indexing", never as an error.
	Directory *search.Service

	// Blocked, if set, is consulted in deliverTo with the destination
	// host; a true result skips delivery (§4.8 "skip delivery to blocked
	// destinations"). The composition root wires it to the configured
	// blocked-instance list; it is a function value so bridge never imports
	// policy.
	Blocked func(ctx context.Context, host string) bool

	client     *http.Client
	actorCache *ttlcache.Cache[*Actor]
}

// NewCoordinator builds a Coordinator. baseURL is this bridge's own fed base
// URL, used to mint activity ids. directory may be nil if search is disabled.
func NewCoordinator(store *mapping.Store, queues *pipeline.Manager, baseURL string, directory *search.Service, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		Store:      store,
		Queues:     queues,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Directory:  directory,
		Logger:     logger,
		actorCache: ttlcache.New[*Actor](actorCacheTTL, actorCacheCap),
	}
	c.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("bridge: stopped after 5 redirects")
			}
			if r.URL.Scheme != "https" {
				return errors.New("bridge: redirects must use https")
			}
			return validateFederationHost(r.URL.Hostname())
		},
	}
	return c
}

// validateFederationHost rejects obviously internal domains and anything
// that resolves to a private/loopback/link-local address, preventing SSRF
// through a crafted handle or webfinger redirect.
func validateFederationHost(host string) error {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") ||
		strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("bridge: internal domain %q not allowed for federation", host)
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("bridge: domain %q does not resolve: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("bridge: domain %q resolves to a private/loopback address", host)
		}
	}
	return nil
}

func parseHandle(handle string) (user, host string, ok bool) {
	h := strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(h, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ResolveHandle parses @user@domain, follows the webfinger→self-link→actor
// chain, and caches the result (§4.7).
func (c *Coordinator) ResolveHandle(ctx context.Context, handle string) (*Actor, error) {
	user, host, ok := parseHandle(handle)
	if !ok {
		return nil, fmt.Errorf("bridge: malformed handle %q", handle)
	}
	cacheKey := user + "@" + host
	if cached, ok := c.actorCache.Get(cacheKey); ok {
		return cached, nil
	}
	if err := validateFederationHost(host); err != nil {
		return nil, err
	}

	selfLink, err := c.discoverSelfLink(ctx, user, host)
	if err != nil {
		return nil, err
	}
	actor, err := c.fetchActor(ctx, selfLink)
	if err != nil {
		return nil, err
	}
	c.actorCache.Set(cacheKey, actor)
	return actor, nil
}

// ResolveActorURL fetches and caches the actor document at actorURL directly,
// skipping webfinger discovery. Used when the actor is already identified by
// URL rather than a @user@domain handle — notably by the inbox's HTTP
// signature KeyFetcher, which only ever sees a keyId built from an actor id.
func (c *Coordinator) ResolveActorURL(ctx context.Context, actorURL string) (*Actor, error) {
	if cached, ok := c.actorCache.Get(actorURL); ok {
		return cached, nil
	}
	u, err := url.Parse(actorURL)
	if err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("bridge: malformed actor url %q", actorURL)
	}
	if err := validateFederationHost(u.Hostname()); err != nil {
		return nil, err
	}
	actor, err := c.fetchActor(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	c.actorCache.Set(actorURL, actor)
	return actor, nil
}

func (c *Coordinator) discoverSelfLink(ctx context.Context, user, host string) (string, error) {
	resource := url.QueryEscape("acct:" + user + "@" + host)
	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, resource)
	return c.fetchSelfLink(ctx, wfURL, user, host)
}

func (c *Coordinator) fetchSelfLink(ctx context.Context, wfURL, user, host string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge: webfinger fetch for %s: %w", host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge: webfinger %s returned %d", host, resp.StatusCode)
	}

	var doc webfingerDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocBytes)).Decode(&doc); err != nil {
		return "", fmt.Errorf("bridge: decoding webfinger response from %s: %w", host, err)
	}
	for _, link := range doc.Links {
		if link.Rel == "self" && (link.Type == "application/activity+json" || link.Type == "application/ld+json") {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("bridge: no self link for %s@%s", user, host)
}

func (c *Coordinator) fetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/activity+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: actor fetch %s: %w", actorURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: actor %s returned %d", actorURL, resp.StatusCode)
	}

	var doc actorDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("bridge: decoding actor document %s: %w", actorURL, err)
	}
	actor := &Actor{
		ID:           doc.ID,
		Inbox:        doc.Inbox,
		SharedInbox:  doc.Endpoints.SharedInbox,
		PublicKeyPEM: doc.PublicKey.PublicKeyPem,
		Name:         doc.Name,
	}
	if doc.Icon != nil {
		actor.Icon = doc.Icon.URL
	}
	return actor, nil
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newActivityID(baseURL, kind string) string {
	return baseURL + "/activities/" + kind + "-" + models.NewULID().String()
}

// indexGhost upserts a resolved remote actor into the directory, if one is
// configured. Failures are logged and swallowed: directory search is an
// enrichment, never a dependency of the follow/block verbs that call it.
func (c *Coordinator) indexGhost(ctx context.Context, ghostID string, actor *Actor, handle string) {
	if c.Directory == nil {
		return
	}
	_, host, _ := parseHandle(handle)
	doc := search.ActorDoc{
		ID:     ghostID,
		Handle: handle,
		Host:   host,
		Local:  false,
	}
	if actor.Name != "" {
		doc.DisplayName = &actor.Name
	}
	if actor.Icon != "" {
		doc.AvatarURL = &actor.Icon
	}
	if err := c.Directory.IndexActor(ctx, doc); err != nil {
		c.Logger.Warn("directory index failed", "ghost_id", ghostID, "error", err.Error())
	}
}

// deliverTo enqueues one signed-POST deliver job.
func (c *Coordinator) deliverTo(ctx context.Context, activity any, actorID, inboxURL string) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("bridge: marshaling activity: %w", err)
	}
	u, err := url.Parse(inboxURL)
	if err != nil {
		return fmt.Errorf("bridge: parsing inbox url %q: %w", inboxURL, err)
	}
	if c.Blocked != nil && c.Blocked(ctx, u.Host) {
		c.Logger.Debug("bridge: skipping delivery to blocked destination", "host", u.Host)
		return nil
	}
	job := pipeline.DeliverJob{
		ActivityJSON: body,
		InboxURL:     inboxURL,
		KeyID:        actorID + "#main-key",
		Host:         u.Host,
	}
	if err := c.Queues.Deliver.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("bridge: enqueueing delivery: %w", err)
	}
	return nil
}

// FanOut delivers one job per distinct inbox among localActorID's accepted
// followers, collapsing shared-inbox recipients (§4.6).
func (c *Coordinator) FanOut(ctx context.Context, activity any, localUserID, localActorID string) error {
	inboxes, err := c.Store.ListFollowerInboxes(ctx, localUserID)
	if err != nil {
		return fmt.Errorf("bridge: listing follower inboxes: %w", err)
	}
	var firstErr error
	for _, inbox := range inboxes {
		if err := c.deliverTo(ctx, activity, localActorID, inbox); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coordinator) localActor(ctx context.Context, localUserID string) (*models.User, error) {
	local, err := c.Store.GetUser(ctx, localUserID)
	if err != nil {
		return nil, fmt.Errorf("bridge: resolving local user %s: %w", localUserID, err)
	}
	if local.FedActorID == nil {
		return nil, fmt.Errorf("bridge: local user %s has no fed actor yet", localUserID)
	}
	return local, nil
}

// Follow issues a Follow activity from a local user to a remote handle,
// upserts a ghost row for the target, persists a pending follow, and
// enqueues delivery.
func (c *Coordinator) Follow(ctx context.Context, localUserID, remoteHandle string) (*models.Follow, error) {
	actor, err := c.ResolveHandle(ctx, remoteHandle)
	if err != nil {
		return nil, err
	}
	local, err := c.localActor(ctx, localUserID)
	if err != nil {
		return nil, err
	}

	remote, err := c.Store.GetOrCreateGhost(ctx, actor.ID, actor.Inbox, actor.SharedInbox,
		strPtrOrNil(actor.Name), strPtrOrNil(actor.Icon), strPtrOrNil(actor.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("bridge: upserting remote ghost: %w", err)
	}
	c.indexGhost(ctx, remote.ID, actor, remoteHandle)

	activityID := newActivityID(c.BaseURL, "follow")
	follow, err := c.Store.UpsertFollow(ctx, local.ID, remote.ID, &activityID, models.FollowPending)
	if err != nil {
		return nil, fmt.Errorf("bridge: persisting follow: %w", err)
	}

	activity := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       activityID,
		"type":     "Follow",
		"actor":    *local.FedActorID,
		"object":   actor.ID,
	}
	if err := c.deliverTo(ctx, activity, *local.FedActorID, actor.Inbox); err != nil {
		return nil, err
	}
	return follow, nil
}

// Unfollow removes a follow relationship and delivers the Undo(Follow).
func (c *Coordinator) Unfollow(ctx context.Context, localUserID, remoteHandle string) error {
	actor, err := c.ResolveHandle(ctx, remoteHandle)
	if err != nil {
		return err
	}
	local, err := c.localActor(ctx, localUserID)
	if err != nil {
		return err
	}
	remote, err := c.Store.GetUserByFedActorID(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("bridge: no known relationship with %s: %w", actor.ID, err)
	}
	if err := c.Store.DeleteFollow(ctx, local.ID, remote.ID); err != nil {
		return fmt.Errorf("bridge: removing follow: %w", err)
	}

	activity := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(c.BaseURL, "undo"),
		"type":     "Undo",
		"actor":    *local.FedActorID,
		"object": map[string]any{
			"type":   "Follow",
			"actor":  *local.FedActorID,
			"object": actor.ID,
		},
	}
	return c.deliverTo(ctx, activity, *local.FedActorID, actor.Inbox)
}

// reactToObject builds and delivers a Like or Announce addressed at the fed
// object a chat event previously translated to.
func (c *Coordinator) reactToObject(ctx context.Context, localUserID, chatEventID, activityType string) error {
	local, err := c.localActor(ctx, localUserID)
	if err != nil {
		return err
	}
	mm, err := c.Store.GetMessageMappingByChatEventID(ctx, chatEventID)
	if err != nil {
		return fmt.Errorf("bridge: resolving chat event %s: %w", chatEventID, err)
	}
	if mm.FedObjectID == nil {
		return fmt.Errorf("bridge: chat event %s has no fed object yet", chatEventID)
	}
	owner, err := c.Store.GetUser(ctx, mm.SenderID)
	if err != nil {
		return fmt.Errorf("bridge: resolving object owner: %w", err)
	}
	inboxURL := owner.InboxURL
	if owner.SharedInboxURL != nil {
		inboxURL = owner.SharedInboxURL
	}
	if inboxURL == nil {
		return fmt.Errorf("bridge: object owner %s has no known inbox", owner.ID)
	}

	activity := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(c.BaseURL, strings.ToLower(activityType)),
		"type":     activityType,
		"actor":    *local.FedActorID,
		"object":   *mm.FedObjectID,
	}
	return c.deliverTo(ctx, activity, *local.FedActorID, *inboxURL)
}

// Like delivers a Like activity for the fed object chatEventID translated
// to.
func (c *Coordinator) Like(ctx context.Context, localUserID, chatEventID string) error {
	return c.reactToObject(ctx, localUserID, chatEventID, "Like")
}

// Announce delivers an Announce (boost/repost) of the fed object
// chatEventID translated to.
func (c *Coordinator) Announce(ctx context.Context, localUserID, chatEventID string) error {
	return c.reactToObject(ctx, localUserID, chatEventID, "Announce")
}

// Delete fans out a Delete/Tombstone for a redacted chat event to every
// follower inbox (§4.6 "a redacted chat event eventually produces a Delete
// activity... exactly once").
func (c *Coordinator) Delete(ctx context.Context, localUserID, chatEventID string) error {
	local, err := c.localActor(ctx, localUserID)
	if err != nil {
		return err
	}
	mm, err := c.Store.GetMessageMappingByChatEventID(ctx, chatEventID)
	if err != nil {
		return fmt.Errorf("bridge: resolving chat event %s: %w", chatEventID, err)
	}
	if mm.FedObjectID == nil {
		return fmt.Errorf("bridge: chat event %s has no fed object yet", chatEventID)
	}

	activity := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(c.BaseURL, "delete"),
		"type":     "Delete",
		"actor":    *local.FedActorID,
		"object": map[string]any{
			"id":   *mm.FedObjectID,
			"type": "Tombstone",
		},
	}
	return c.FanOut(ctx, activity, local.ID, *local.FedActorID)
}

// Block records a local user's block of a remote handle and delivers a
// Block activity so well-behaved peers can honor it locally too (§4.8).
// It only creates user-kind blocks; instance-wide blocks are not recorded
// here.
func (c *Coordinator) Block(ctx context.Context, localUserID, remoteHandle, reason string) error {
	actor, err := c.ResolveHandle(ctx, remoteHandle)
	if err != nil {
		return err
	}
	local, err := c.localActor(ctx, localUserID)
	if err != nil {
		return err
	}
	remote, err := c.Store.GetOrCreateGhost(ctx, actor.ID, actor.Inbox, actor.SharedInbox,
		strPtrOrNil(actor.Name), strPtrOrNil(actor.Icon), strPtrOrNil(actor.PublicKeyPEM))
	if err != nil {
		return fmt.Errorf("bridge: upserting remote ghost: %w", err)
	}
	c.indexGhost(ctx, remote.ID, actor, remoteHandle)

	activityID := newActivityID(c.BaseURL, "block")
	if err := c.Store.CreateBlock(ctx, &models.Block{
		BlockerID:          local.ID,
		BlockedUserID:      &remote.ID,
		Kind:               models.BlockKindUser,
		Reason:             reason,
		FedBlockActivityID: &activityID,
	}); err != nil {
		return fmt.Errorf("bridge: recording block: %w", err)
	}

	activity := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       activityID,
		"type":     "Block",
		"actor":    *local.FedActorID,
		"object":   actor.ID,
	}
	return c.deliverTo(ctx, activity, *local.FedActorID, actor.Inbox)
}

// Report delivers a Flag activity against a remote actor, optionally about
// one object, addressed to the actor's inbox (§4.8 "outbound reports
// construct a Flag activity addressed to the reported actor's inbox").
func (c *Coordinator) Report(ctx context.Context, localUserID, remoteHandle, objectID, reason string) error {
	actor, err := c.ResolveHandle(ctx, remoteHandle)
	if err != nil {
		return err
	}
	local, err := c.localActor(ctx, localUserID)
	if err != nil {
		return err
	}

	objects := []string{actor.ID}
	if objectID != "" {
		objects = append(objects, objectID)
	}
	activity := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(c.BaseURL, "flag"),
		"type":     "Flag",
		"actor":    *local.FedActorID,
		"object":   objects,
		"content":  reason,
	}
	return c.deliverTo(ctx, activity, *local.FedActorID, actor.Inbox)
}
