package transform

import (
	"context"
	"errors"
	"time"
)

// errUnknownObject is returned when FedToChatMessage is handed a Note with
// no id; the inbox dispatcher is responsible for degrading genuinely
// unknown AP object types (Article, Page, Question, …) to a plain-text
// IncomingNote before calling here (§4.4 "Edge-case policy").
var errUnknownObject = errors.New("transform: object has no id")

// IncomingNote is the translation input for FedToChatMessage: the already
// type-switched Note object pulled out of a Create activity by the inbox
// dispatcher (§4.5 hands transform only object-level data, never the raw
// envelope).
type IncomingNote struct {
	ID         string
	ActorURL   string
	Content    string
	Sensitive  bool
	Summary    string
	InReplyTo  string
	Tag        []Tag
	Attachment []Attachment
	Published  time.Time
}

// ChatMessage is one message FedToChatMessage asks the caller to send; a
// Note with attachments produces one ChatMessage per attachment plus the
// text message itself (§4.4 "Each attachment becomes a separate message").
type ChatMessage struct {
	MsgType        string
	Body           string
	FormattedBody  string
	ReplyToEventID string
	MediaHandle    string
	AltText        string
}

// ChatSend is FedToChatMessage's output: the ordered set of chat messages
// to send on behalf of the note's sender.
type ChatSend struct {
	Messages []ChatMessage
}

// FedToChatMessage translates an incoming Note into one or more chat
// messages (§4.4 "Fed→Chat message"). The returned IdentifierMapping has
// only FedObjectID populated; the caller fills in RoomID/SenderID/
// ChatEventID once it has actually sent the message and knows the
// homeserver-assigned event id.
func FedToChatMessage(ctx context.Context, c *Context, note *IncomingNote) (*ChatSend, []IdentifierMapping, error) {
	if note == nil || note.ID == "" {
		return nil, nil, errUnknownObject
	}

	body := sanitizeHTML(note.Content)
	body = rewriteFedMentions(c.LocalDomain, body)
	body = applyEmojiShortcodes(body, note.Tag)

	text := htmlToText(body)

	if note.Sensitive && note.Summary != "" {
		body = `<span data-mx-spoiler="` + note.Summary + `">` + body + `</span>`
		text = "[" + note.Summary + "] " + text
	}

	replyTo := ""
	if note.InReplyTo != "" && c.Lookup != nil {
		if mm, err := c.Lookup.GetMessageMappingByFedObjectID(ctx, note.InReplyTo); err == nil && mm != nil && mm.ChatEventID != nil {
			replyTo = *mm.ChatEventID
		}
		// Unresolvable reply targets are silently omitted (§4.4
		// "Edge-case policy").
	}

	send := &ChatSend{
		Messages: []ChatMessage{{
			MsgType:        "text",
			Body:           text,
			FormattedBody:  body,
			ReplyToEventID: replyTo,
		}},
	}

	for _, att := range note.Attachment {
		send.Messages = append(send.Messages, translateAttachment(ctx, c, att))
	}

	mappings := []IdentifierMapping{{FedObjectID: &note.ID}}
	return send, mappings, nil
}

// translateAttachment downloads a fed attachment through the media gateway
// and uploads it to the homeserver, degrading to a text message containing
// the attachment's URL or name on any failure (§4.4 "failures degrade to a
// text message").
func translateAttachment(ctx context.Context, c *Context, att Attachment) ChatMessage {
	if c.Media == nil {
		return fallbackAttachmentMessage(att)
	}
	handle, media, err := c.Media.URLToHandle(ctx, att.URL)
	if err != nil {
		return fallbackAttachmentMessage(att)
	}

	altText := att.Name
	if media.AltText != nil && *media.AltText != "" {
		altText = *media.AltText
	}
	return ChatMessage{
		MsgType:     chatMsgTypeForAP(att.Type),
		MediaHandle: handle,
		AltText:     altText,
	}
}

func fallbackAttachmentMessage(att Attachment) ChatMessage {
	body := att.Name
	if body == "" {
		body = att.URL
	} else {
		body = body + " " + att.URL
	}
	return ChatMessage{MsgType: "text", Body: body}
}

func chatMsgTypeForAP(apType string) string {
	switch apType {
	case "Image":
		return "image"
	case "Video":
		return "video"
	case "Audio":
		return "audio"
	default:
		return "file"
	}
}
