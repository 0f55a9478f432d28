// Package policy implements blocks, instance-wide blocks, redaction
// propagation, and report handling (§4.8). Style-grounded on the teacher's
// internal/automod/automod.go Service (pool/bus/logger fields, a plain
// Config struct, structured slog logging) — the rule domain itself
// (word/regex/spam filters) is unrelated and not reused; blocks and
// reports are a materially different model, designed against §4.8 directly.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amityvox/amityvox/internal/bridge"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/mapping"
)

// Service answers block queries (IsBlocked) and turns inbound Delete/Flag
// activities into the right chat-side side effect.
type Service struct {
	store       *mapping.Store
	bus         *events.Bus
	bridge      *bridge.Coordinator
	adminRoomID string
	logger      *slog.Logger
}

// Config holds the dependencies for a Service.
type Config struct {
	Store *mapping.Store
	Bus   *events.Bus
	// Bridge is only used by SendReport, to hand an outbound Flag to the
	// coordinator that already knows how to build and deliver it. May be
	// nil if this Service is only used for inbound checks.
	Bridge      *bridge.Coordinator
	AdminRoomID string
	Logger      *slog.Logger
}

// NewService builds a Service.
func NewService(cfg Config) *Service {
	return &Service{
		store:       cfg.Store,
		bus:         cfg.Bus,
		bridge:      cfg.Bridge,
		adminRoomID: cfg.AdminRoomID,
		logger:      cfg.Logger,
	}
}

// IsBlocked reports whether a remote actor is blocked from reaching
// targetUserID, or (with targetUserID empty) whether its whole instance is
// blocked. The composition root does not call it: the inbox and delivery
// Blocked hooks consult only the configured blocked-instance list.
func (p *Service) IsBlocked(ctx context.Context, actorFedID, actorHost, targetUserID string) (bool, error) {
	instanceBlocked, err := p.store.IsInstanceBlocked(ctx, actorHost)
	if err != nil {
		return false, fmt.Errorf("policy: checking instance block: %w", err)
	}
	if instanceBlocked || targetUserID == "" {
		return instanceBlocked, nil
	}

	ghost, err := p.store.GetUserByFedActorID(ctx, actorFedID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("policy: resolving ghost for %s: %w", actorFedID, err)
	}
	blocked, err := p.store.IsBlocked(ctx, targetUserID, ghost.ID, actorHost)
	if err != nil {
		return false, fmt.Errorf("policy: checking user block: %w", err)
	}
	return blocked, nil
}

// HandleDelete inspects an inbound Delete activity. When its object is a
// Tombstone for the actor itself (actor self-deletion, not a redacted
// message), the ghost is purged and a notice is published to the admin
// room (§4.8 "mark the actor for purge"). Content-level tombstones
// (a deleted Note) are the translate-in handler's concern, not policy's,
// and are left untouched here.
func (p *Service) HandleDelete(ctx context.Context, activity map[string]any) error {
	actorID, _ := activity["actor"].(string)
	objectID := tombstoneID(activity["object"])
	if actorID == "" || objectID == "" || objectID != actorID {
		return nil
	}

	ghost, err := p.store.GetUserByFedActorID(ctx, actorID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("policy: resolving actor %s for purge: %w", actorID, err)
	}
	if err := p.store.PurgeUser(ctx, ghost.ID); err != nil {
		return fmt.Errorf("policy: purging actor %s: %w", actorID, err)
	}
	p.logger.Info("purged deleted remote actor", "actor_id", actorID, "ghost_id", ghost.ID)

	return p.bus.PublishRoomEvent(ctx, events.SubjectPolicyPurgeActor, "POLICY_PURGE_ACTOR", p.adminRoomID, map[string]string{
		"actor_id": actorID,
	})
}

// tombstoneID returns the object's id whether it was serialized as a bare
// string or as an embedded {"id": ...} object.
func tombstoneID(object any) string {
	switch v := object.(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	default:
		return ""
	}
}

// parseFlagObject reads a Flag activity's object, which per §4.8's outbound
// shape is [actorID] or [actorID, objectID].
func parseFlagObject(object any) (target, objectID string) {
	switch v := object.(type) {
	case string:
		return v, ""
	case []any:
		if len(v) > 0 {
			target, _ = v[0].(string)
		}
		if len(v) > 1 {
			objectID, _ = v[1].(string)
		}
	}
	return target, objectID
}

// HandleFlag forwards an inbound Flag (report) as a notice into the admin
// room, carrying the reporter, target, optional object id, and reason
// (§4.8 "forwarded as a notice to a configured admin room").
func (p *Service) HandleFlag(ctx context.Context, activity map[string]any) error {
	reporter, _ := activity["actor"].(string)
	reason, _ := activity["content"].(string)
	target, objectID := parseFlagObject(activity["object"])

	notice := map[string]string{
		"reporter":  reporter,
		"target":    target,
		"object_id": objectID,
		"reason":    reason,
	}
	if err := p.bus.PublishRoomEvent(ctx, events.SubjectPolicyReport, "POLICY_REPORT", p.adminRoomID, notice); err != nil {
		return fmt.Errorf("policy: publishing report notice: %w", err)
	}
	p.logger.Info("forwarded inbound report", "reporter", reporter, "target", target)
	return nil
}

// SendReport delivers an outbound Flag against a remote handle, via the
// bridge coordinator that owns activity construction and delivery.
func (p *Service) SendReport(ctx context.Context, localUserID, remoteHandle, objectID, reason string) error {
	if p.bridge == nil {
		return fmt.Errorf("policy: no bridge coordinator configured for outbound reports")
	}
	return p.bridge.Report(ctx, localUserID, remoteHandle, objectID, reason)
}
