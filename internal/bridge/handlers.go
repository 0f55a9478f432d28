package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amityvox/amityvox/internal/fedsig"
	"github.com/amityvox/amityvox/internal/matrixclient"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/pipeline"
	"github.com/amityvox/amityvox/internal/transform"
)

// NewKeyFetcher builds the inbox's HTTP signature KeyFetcher (§4.8): a
// keyId is always an actor id plus "#main-key" (the only key this bridge
// ever mints or reads, see fedsig). A local actor's key comes straight from
// the store; a remote one is fetched through the coordinator's actor
// resolution, whose actor cache spares a re-fetch for a recently resolved
// actor, and is also upserted as a ghost row. Later lookups do not read
// the key back from that ghost row.
func NewKeyFetcher(c *Coordinator) fedsig.KeyFetcher {
	return func(ctx context.Context, keyID string) (string, error) {
		actorID := strings.TrimSuffix(keyID, "#main-key")

		if strings.HasPrefix(actorID, c.BaseURL+"/users/") {
			user, err := c.Store.GetUserByFedActorID(ctx, actorID)
			if err != nil {
				return "", fmt.Errorf("bridge: no local actor for key %s: %w", keyID, err)
			}
			if user.PublicKeyPEM == nil {
				return "", fmt.Errorf("bridge: local actor %s has no public key", actorID)
			}
			return *user.PublicKeyPEM, nil
		}

		actor, err := c.ResolveActorURL(ctx, actorID)
		if err != nil {
			return "", fmt.Errorf("bridge: resolving remote actor %s: %w", actorID, err)
		}
		if actor.PublicKeyPEM == "" {
			return "", fmt.Errorf("bridge: actor %s has no public key", actorID)
		}
		if _, err := c.Store.GetOrCreateGhost(ctx, actor.ID, actor.Inbox, actor.SharedInbox,
			strPtrOrNil(actor.Name), strPtrOrNil(actor.Icon), strPtrOrNil(actor.PublicKeyPEM)); err != nil {
			c.Logger.Error("bridge: caching remote ghost failed", "error", err.Error())
		}
		return actor.PublicKeyPEM, nil
	}
}

// matrixMsgTypeToChat maps an m.room.message msgtype to the msgtype
// transform.ChatEvent expects.
func matrixMsgTypeToChat(msgtype string) string {
	switch msgtype {
	case "m.text":
		return "text"
	case "m.notice":
		return "notice"
	case "m.emote":
		return "emote"
	case "m.image":
		return "image"
	case "m.video":
		return "video"
	case "m.audio":
		return "audio"
	case "m.file":
		return "file"
	default:
		return "text"
	}
}

func chatLocalpart(chatUserID string) string {
	s := strings.TrimPrefix(chatUserID, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// NewTranslateOutHandler builds the translate-out queue's handler: fetch
// the chat event's content, mint the sender's fed identity on first use,
// translate to a Create(Note), persist the mapping, and deliver (§4.6).
func NewTranslateOutHandler(c *Coordinator, tc *transform.Context, mx *matrixclient.Client) pipeline.Handler[pipeline.TranslateOutJob] {
	return func(ctx context.Context, job pipeline.TranslateOutJob) error {
		evt, err := mx.GetEvent(ctx, job.RoomID, job.EventID)
		if err != nil {
			return fmt.Errorf("bridge: fetching %s/%s: %w", job.RoomID, job.EventID, err)
		}
		if evt.Type != "m.room.message" {
			return nil
		}

		var content matrixclient.MessageContent
		if err := json.Unmarshal(evt.Content, &content); err != nil {
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: malformed message content: %w", err)}
		}

		puppet, err := c.Store.GetOrCreatePuppet(ctx, evt.Sender, nil, nil)
		if err != nil {
			return fmt.Errorf("bridge: resolving local sender %s: %w", evt.Sender, err)
		}
		if puppet.FedActorID == nil {
			actorID := c.BaseURL + "/users/" + chatLocalpart(evt.Sender)
			priv, pub, err := fedsig.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("bridge: minting actor keypair for %s: %w", evt.Sender, err)
			}
			if err := c.Store.ProvisionLocalActor(ctx, puppet.ID, actorID, priv, pub); err != nil {
				return err
			}
			puppet.FedActorID = &actorID
		}

		// The room's public/DM distinction is set once, at bridging time
		// (e.g. a DM-bridge admin command), and preserved by
		// GetOrCreateRoom's ON CONFLICT no-op; group is the default for a
		// room this pipeline is seeing for the first time.
		room, err := c.Store.GetOrCreateRoom(ctx, job.RoomID, models.RoomTypeGroup)
		if err != nil {
			return fmt.Errorf("bridge: resolving room %s: %w", job.RoomID, err)
		}

		replyTo := ""
		if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
			replyTo = content.RelatesTo.InReplyTo.EventID
		}

		chatEvent := &transform.ChatEvent{
			EventID:            job.EventID,
			RoomID:             job.RoomID,
			SenderChatUserID:   evt.Sender,
			SenderActorURL:     *puppet.FedActorID,
			MsgType:            matrixMsgTypeToChat(content.MsgType),
			Body:               content.Body,
			FormattedBody:      content.FormattedBody,
			Timestamp:          time.UnixMilli(evt.OriginServerTS),
			ReplyToChatEventID: replyTo,
			Public:             room.RoomType == models.RoomTypePublic,
		}
		recipientInbox := ""
		if !chatEvent.Public && chatEvent.ReplyToChatEventID != "" {
			// A DM's peer is resolved from the message it replies to,
			// since the room record itself only tracks a conversation
			// context id, not a single peer actor (see DESIGN.md). A
			// first, non-reply message in a freshly bridged DM has no
			// resolvable peer yet and is dropped below.
			if mm, err := c.Store.GetMessageMappingByChatEventID(ctx, chatEvent.ReplyToChatEventID); err == nil && mm != nil {
				if owner, err := c.Store.GetUser(ctx, mm.SenderID); err == nil && owner.FedActorID != nil {
					chatEvent.RecipientActorURL = *owner.FedActorID
					if owner.InboxURL != nil {
						recipientInbox = *owner.InboxURL
					}
				}
			}
		}

		activity, mappings, err := transform.ChatToFedNote(ctx, tc, chatEvent)
		if err != nil {
			return &pipeline.PermanentError{Err: err}
		}

		for _, m := range mappings {
			if _, err := c.Store.UpsertMessageMapping(ctx, room.ID, puppet.ID, m.ChatEventID, m.FedObjectID); err != nil {
				c.Logger.Error("bridge: persisting message mapping failed", "error", err.Error())
			}
		}

		if chatEvent.Public {
			return c.FanOut(ctx, activity, puppet.ID, *puppet.FedActorID)
		}
		if chatEvent.RecipientActorURL == "" || recipientInbox == "" {
			c.Logger.Warn("bridge: DM room has no fed peer yet, dropping", "room_id", job.RoomID)
			return nil
		}
		return c.deliverTo(ctx, activity, *puppet.FedActorID, recipientInbox)
	}
}

// incomingActivity is the minimal envelope every translate-in job is
// type-switched on; only Create currently produces a chat send (§4.4's
// closed enumeration, mirroring internal/inbox's dispatch default-ignore).
type incomingActivity struct {
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

type incomingNoteObject struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Sensitive  bool                   `json:"sensitive"`
	Summary    string                 `json:"summary"`
	InReplyTo  string                 `json:"inReplyTo"`
	Tag        []transform.Tag        `json:"tag"`
	Attachment []transform.Attachment `json:"attachment"`
	Published  string                 `json:"published"`
}

// NewTranslateInHandler builds the translate-in queue's handler: type-switch
// the activity, translate its object into chat messages, provision the
// sending ghost, and send each message as that ghost (§4.4, §4.7).
func NewTranslateInHandler(c *Coordinator, tc *transform.Context, mx *matrixclient.Client, localDomain string) pipeline.Handler[pipeline.TranslateInJob] {
	return func(ctx context.Context, job pipeline.TranslateInJob) error {
		var act incomingActivity
		if err := json.Unmarshal(job.Activity, &act); err != nil {
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: malformed activity: %w", err)}
		}
		if act.Type != "Create" {
			return nil
		}

		var obj incomingNoteObject
		if err := json.Unmarshal(act.Object, &obj); err != nil {
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: malformed note object: %w", err)}
		}
		published, err := time.Parse(time.RFC3339, obj.Published)
		if err != nil {
			published = time.Now().UTC()
		}

		note := &transform.IncomingNote{
			ID:         obj.ID,
			ActorURL:   act.Actor,
			Content:    obj.Content,
			Sensitive:  obj.Sensitive,
			Summary:    obj.Summary,
			InReplyTo:  obj.InReplyTo,
			Tag:        obj.Tag,
			Attachment: obj.Attachment,
			Published:  published,
		}

		send, mappings, err := transform.FedToChatMessage(ctx, tc, note)
		if err != nil {
			return &pipeline.PermanentError{Err: err}
		}

		internalRoomID, ok := c.resolveInboundRoom(ctx, obj.InReplyTo)
		if !ok {
			// No known room for a first-contact DM yet; room provisioning
			// for a brand new conversation is a bridging-time admin
			// action, not something the automatic pipeline creates on
			// the fly (see DESIGN.md's internal/bridge entry).
			c.Logger.Warn("bridge: no mapped room for inbound note, dropping", "object_id", obj.ID)
			return nil
		}
		room, err := c.Store.GetRoom(ctx, internalRoomID)
		if err != nil || room.ChatRoomID == nil {
			c.Logger.Warn("bridge: mapped room has no chat-side id, dropping", "object_id", obj.ID)
			return nil
		}
		roomID := *room.ChatRoomID

		ghost, err := c.Store.GetOrCreateGhost(ctx, act.Actor, "", "", nil, nil, nil)
		if err != nil {
			return fmt.Errorf("bridge: resolving ghost %s: %w", act.Actor, err)
		}
		localpart := ghostLocalpartFor(act.Actor)
		if err := mx.EnsureGhost(ctx, localpart, localDomain, roomID); err != nil {
			return fmt.Errorf("bridge: provisioning ghost %s: %w", localpart, err)
		}
		ghostUserID := "@" + localpart + ":" + localDomain

		var lastEventID string
		for _, msg := range send.Messages {
			content := matrixclient.MessageContent{
				MsgType:       "m." + msg.MsgType,
				Body:          msg.Body,
				FormattedBody: msg.FormattedBody,
			}
			if content.FormattedBody != "" {
				content.Format = "org.matrix.custom.html"
			}
			if msg.ReplyToEventID != "" {
				content.RelatesTo = &matrixclient.RelatesTo{InReplyTo: &matrixclient.EventReference{EventID: msg.ReplyToEventID}}
			}
			eventID, err := mx.SendMessage(ctx, roomID, ghostUserID, content)
			if err != nil {
				return fmt.Errorf("bridge: sending to %s as %s: %w", roomID, ghostUserID, err)
			}
			lastEventID = eventID
		}

		for _, m := range mappings {
			chatEventID := lastEventID
			if _, err := c.Store.UpsertMessageMapping(ctx, internalRoomID, ghost.ID, &chatEventID, m.FedObjectID); err != nil {
				c.Logger.Error("bridge: persisting message mapping failed", "error", err.Error())
			}
		}
		return nil
	}
}

// resolveInboundRoom resolves the chat room an inbound note belongs in: a
// reply inherits its parent's room, everything else currently has no known
// target.
func (c *Coordinator) resolveInboundRoom(ctx context.Context, inReplyTo string) (string, bool) {
	if inReplyTo == "" {
		return "", false
	}
	mm, err := c.Store.GetMessageMappingByFedObjectID(ctx, inReplyTo)
	if err != nil || mm == nil {
		return "", false
	}
	return mm.RoomID, true
}

// ghostLocalpartFor derives this bridge's puppet localpart for a remote
// actor URL (§5's "_ap_<user>_<instance>" naming scheme).
func ghostLocalpartFor(actorURL string) string {
	user, host, ok := parseActorURL(actorURL)
	if !ok {
		return "_ap_unknown"
	}
	return "_ap_" + user + "_" + strings.ReplaceAll(host, ".", "-")
}

func parseActorURL(actorURL string) (user, host string, ok bool) {
	trimmed := strings.TrimPrefix(actorURL, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	slash := strings.IndexByte(trimmed, '/')
	if slash < 0 {
		return "", "", false
	}
	host = trimmed[:slash]
	path := trimmed[slash:]
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 || idx == len(path)-1 {
		return "", "", false
	}
	return path[idx+1:], host, true
}

// NewDeliverHandler builds the deliver queue's handler: sign and POST one
// activity to one inbox, classifying the response per §4.6/§7's retry
// policy (2xx success, 429 honors Retry-After, 4xx permanent except
// 408/429, 5xx and network errors retry on backoff).
func NewDeliverHandler(store storeLookup, sig *fedsig.Engine) pipeline.Handler[pipeline.DeliverJob] {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context, job pipeline.DeliverJob) error {
		actorID := strings.TrimSuffix(job.KeyID, "#main-key")
		user, err := store.GetUserByFedActorID(ctx, actorID)
		if err != nil || user.PrivateKeyPEM == nil {
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: no signing key for actor %s", actorID)}
		}
		priv, err := fedsig.ParsePrivateKey(*user.PrivateKeyPEM)
		if err != nil {
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: parsing signing key for %s: %w", actorID, err)}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.InboxURL, bytes.NewReader(job.ActivityJSON))
		if err != nil {
			return &pipeline.PermanentError{Err: err}
		}
		req.Header.Set("Content-Type", `application/activity+json`)
		if err := sig.Sign(req, job.KeyID, priv, job.ActivityJSON); err != nil {
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: signing delivery: %w", err)}
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("bridge: delivering to %s: %w", job.InboxURL, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return &pipeline.RetryAfterError{
				Err:   fmt.Errorf("bridge: %s returned 429", job.InboxURL),
				Delay: retryAfterDelay(resp.Header.Get("Retry-After")),
			}
		case resp.StatusCode == http.StatusRequestTimeout:
			return fmt.Errorf("bridge: %s returned 408", job.InboxURL)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return &pipeline.PermanentError{Err: fmt.Errorf("bridge: %s returned %d", job.InboxURL, resp.StatusCode)}
		default:
			return fmt.Errorf("bridge: %s returned %d", job.InboxURL, resp.StatusCode)
		}
	}
}

// storeLookup is the narrow slice of *mapping.Store NewDeliverHandler
// needs, kept as an interface so its tests can fake it without a database.
type storeLookup interface {
	GetUserByFedActorID(ctx context.Context, fedActorID string) (*models.User, error)
}

func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}
