// Package transform is the activity transformer (§4.4): pure Chat<->Fed
// translation functions over an explicit Context (base URL, local domain,
// identifier lookup, optional media gateway), grounded on the teacher's
// internal/mentions/mentions.go regex idiom and klistr's noteToEvent/
// handleCreate Fed-side conversion shape. No network or database I/O
// happens in this package beyond the Lookup and Media capabilities passed
// in; callers persist the returned IdentifierMapping entries.
package transform

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/amityvox/amityvox/internal/mapping"
	"github.com/amityvox/amityvox/internal/media"
)

// Context bundles the collaborators a translation needs, collapsing the
// teacher's callback-heavy wiring (create-ghost, send-chat, …) into the
// narrow capability objects §9's design notes call for.
type Context struct {
	BaseURL     string
	LocalDomain string
	Lookup      mapping.Lookup
	Media       *media.Gateway
}

// Icon is an AP image reference, used for an Emoji tag's rendered glyph.
type Icon struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Tag is the AP "tag" array's element shape, covering the three kinds this
// bridge emits or consumes: Mention, Hashtag, and Emoji.
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name"`
	Icon *Icon  `json:"icon,omitempty"`
}

// Attachment is one AP attachment entry, translated from or to a chat media
// handle via the media gateway.
type Attachment struct {
	Type      string  `json:"type"`
	MediaType string  `json:"mediaType"`
	URL       string  `json:"url"`
	Width     *int    `json:"width,omitempty"`
	Height    *int    `json:"height,omitempty"`
	Blurhash  *string `json:"blurhash,omitempty"`
	Name      string  `json:"name,omitempty"`
}

// Note is the AP object a chat message translates to.
type Note struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	AttributedTo string       `json:"attributedTo"`
	To           []string     `json:"to"`
	Cc           []string     `json:"cc,omitempty"`
	Published    string       `json:"published"`
	Content      string       `json:"content"`
	Sensitive    bool         `json:"sensitive,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	InReplyTo    string       `json:"inReplyTo,omitempty"`
	Tag          []Tag        `json:"tag,omitempty"`
	Attachment   []Attachment `json:"attachment,omitempty"`
}

// CreateActivity wraps a Note in its publishing activity (§4.4 "the
// wrapping activity is a Create").
type CreateActivity struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Published string   `json:"published"`
	Object    *Note    `json:"object"`
}

// IdentifierMapping is a row the caller should upsert into the mapping
// store after a successful translation. SenderID on the Chat→Fed path is
// the sender's chat user id, not yet resolved to an internal users.id; the
// caller resolves it via Lookup before calling UpsertMessageMapping.
type IdentifierMapping struct {
	RoomID      string
	SenderID    string
	ChatEventID *string
	FedObjectID *string
}

// PublicURI is the AP well-known public-audience URI.
const PublicURI = "https://www.w3.org/ns/activitystreams#Public"

// ChatEvent is the translation input for ChatToFedNote.
type ChatEvent struct {
	EventID            string
	RoomID             string
	SenderChatUserID   string // "@local:server"
	SenderActorURL     string // pre-resolved attributedTo, if already known
	MsgType            string // "text", "notice", "emote", "image", "video", "audio", "file"
	Body               string
	FormattedBody      string
	Timestamp          time.Time
	ReplyToChatEventID string
	Public             bool
	RecipientActorURL  string // DM recipient, required when !Public
	MediaHandle        string
	AltText            string
	SpoilerLabel       string
}

// ChatToFedNote translates a chat event into a Create activity wrapping a
// Note (§4.4 "Chat→Fed Note").
func ChatToFedNote(ctx context.Context, c *Context, event *ChatEvent) (*CreateActivity, []IdentifierMapping, error) {
	objID := objectID(c.BaseURL, event.EventID)

	attributedTo := event.SenderActorURL
	if attributedTo == "" {
		attributedTo = resolveActorURL(ctx, c, event.SenderChatUserID)
	}

	to, cc := audience(attributedTo, event.Public, event.RecipientActorURL)

	note := &Note{
		ID:           objID,
		Type:         "Note",
		AttributedTo: attributedTo,
		To:           to,
		Cc:           cc,
		Published:    event.Timestamp.UTC().Format(time.RFC3339),
	}

	switch event.MsgType {
	case "text", "notice":
		renderBody(ctx, c, note, event)
	case "emote":
		name := displayNameFor(event.SenderChatUserID)
		note.Content = "<em>" + html.EscapeString(name) + " " + html.EscapeString(event.Body) + "</em>"
	case "image", "video", "audio", "file":
		note.Content = html.EscapeString(event.Body)
	default:
		return nil, nil, fmt.Errorf("transform: unknown chat msgtype %q", event.MsgType)
	}

	if event.SpoilerLabel != "" {
		note.Sensitive = true
		note.Summary = event.SpoilerLabel
	}

	if event.ReplyToChatEventID != "" {
		if mm, err := c.Lookup.GetMessageMappingByChatEventID(ctx, event.ReplyToChatEventID); err == nil && mm != nil && mm.FedObjectID != nil {
			note.InReplyTo = *mm.FedObjectID
		}
		// A malformed or unresolvable reply target is silently omitted
		// rather than failing translation (§4.4 "Edge-case policy").
	}

	if event.MediaHandle != "" && c.Media != nil {
		if att, err := buildAttachment(ctx, c, event.MsgType, event.MediaHandle, event.AltText); err == nil {
			note.Attachment = append(note.Attachment, *att)
		}
	}

	actID := activityID(c.BaseURL, "Create", objID)
	activity := &CreateActivity{
		ID:        actID,
		Type:      "Create",
		Actor:     attributedTo,
		To:        to,
		Cc:        cc,
		Published: note.Published,
		Object:    note,
	}

	mappings := []IdentifierMapping{{
		RoomID:      event.RoomID,
		SenderID:    event.SenderChatUserID,
		ChatEventID: &event.EventID,
		FedObjectID: &objID,
	}}
	return activity, mappings, nil
}

// renderBody fills note.Content for text/notice message types, running the
// formatted-body transform chain in the order §4.4 requires: emoji embeds,
// color attributes, mentions, media src rewriting. Plain-text-only bodies
// are HTML-escaped rather than run through the chain.
func renderBody(ctx context.Context, c *Context, note *Note, event *ChatEvent) {
	if event.FormattedBody == "" {
		note.Content = html.EscapeString(event.Body)
		for _, tag := range hashtagTags(event.Body) {
			note.Tag = append(note.Tag, tag)
		}
		return
	}

	body := sanitizeHTML(event.FormattedBody)

	emoji := extractCustomEmoji(c, body)
	body = emoji.content
	note.Tag = append(note.Tag, emoji.tags...)

	body = rewriteColorAttr(body)

	var mentionTags []Tag
	body, mentionTags = rewriteChatMentions(ctx, c, body)
	note.Tag = append(note.Tag, mentionTags...)

	body = rewriteMediaSrc(c, body)

	note.Tag = append(note.Tag, hashtagTags(body)...)
	note.Content = body
}

func hashtagTags(content string) []Tag {
	var tags []Tag
	for _, h := range extractHashtags(content) {
		tags = append(tags, Tag{Type: "Hashtag", Name: "#" + h})
	}
	return tags
}

// audience computes the AP to/cc lists for a public room or a direct
// message (§4.4 "to/cc default to...").
func audience(actorURL string, public bool, recipientActorURL string) (to, cc []string) {
	if public {
		return []string{PublicURI}, []string{actorURL + "/followers"}
	}
	return []string{recipientActorURL}, nil
}

// resolveActorURL resolves a chat user id to its fed actor URL, falling
// back to the conventional local actor URL when no mapping row exists yet
// (a local, not-yet-federated user).
func resolveActorURL(ctx context.Context, c *Context, chatUserID string) string {
	if c.Lookup != nil {
		if u, err := c.Lookup.GetUserByChatID(ctx, chatUserID); err == nil && u != nil && u.FedActorID != nil {
			return *u.FedActorID
		}
	}
	return c.BaseURL + "/users/" + localpart(chatUserID)
}

func localpart(chatUserID string) string {
	s := strings.TrimPrefix(chatUserID, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

func displayNameFor(chatUserID string) string {
	return localpart(chatUserID)
}

// buildAttachment asks the media gateway for a chat media handle's
// fed-facing URL and metadata (§4.4 "Attachments").
func buildAttachment(ctx context.Context, c *Context, msgType, handle, altText string) (*Attachment, error) {
	fedURL, err := c.Media.HandleToURL(handle)
	if err != nil {
		return nil, err
	}
	apType, mediaType := attachmentKind(msgType)
	att := &Attachment{
		Type:      apType,
		MediaType: mediaType,
		URL:       fedURL,
		Name:      altText,
	}
	if m, err := c.Media.Metadata(ctx, handle); err == nil {
		att.Width, att.Height, att.Blurhash = m.Width, m.Height, m.Blurhash
		att.MediaType = m.MIMEType
		if altText == "" && m.AltText != nil {
			att.Name = *m.AltText
		}
	}
	return att, nil
}

// attachmentKind maps a chat msgtype to the AP attachment type/mediaType
// pair (§4.4 "produce an attachment of type {Image, Video, Audio,
// Document}").
func attachmentKind(msgType string) (apType, mediaType string) {
	switch msgType {
	case "image":
		return "Image", "image/*"
	case "video":
		return "Video", "video/*"
	case "audio":
		return "Audio", "audio/*"
	default:
		return "Document", "application/octet-stream"
	}
}
