package transform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/amityvox/amityvox/internal/mapping"
	"github.com/amityvox/amityvox/internal/models"
)

// stubLookup is an in-memory mapping.Lookup for tests, standing in for the
// real *mapping.Store (which needs a live pgxpool connection).
type stubLookup struct {
	usersByChatID  map[string]*models.User
	usersByActorID map[string]*models.User
	byChatEvent    map[string]*models.MessageMapping
	byFedObject    map[string]*models.MessageMapping
}

func newStubLookup() *stubLookup {
	return &stubLookup{
		usersByChatID:  map[string]*models.User{},
		usersByActorID: map[string]*models.User{},
		byChatEvent:    map[string]*models.MessageMapping{},
		byFedObject:    map[string]*models.MessageMapping{},
	}
}

func (s *stubLookup) GetUser(ctx context.Context, id string) (*models.User, error) {
	return nil, mapping.ErrNotFound
}

func (s *stubLookup) GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error) {
	if u, ok := s.usersByChatID[chatUserID]; ok {
		return u, nil
	}
	return nil, mapping.ErrNotFound
}

func (s *stubLookup) GetUserByFedActorID(ctx context.Context, fedActorID string) (*models.User, error) {
	if u, ok := s.usersByActorID[fedActorID]; ok {
		return u, nil
	}
	return nil, mapping.ErrNotFound
}

func (s *stubLookup) GetMessageMappingByChatEventID(ctx context.Context, chatEventID string) (*models.MessageMapping, error) {
	if m, ok := s.byChatEvent[chatEventID]; ok {
		return m, nil
	}
	return nil, mapping.ErrNotFound
}

func (s *stubLookup) GetMessageMappingByFedObjectID(ctx context.Context, fedObjectID string) (*models.MessageMapping, error) {
	if m, ok := s.byFedObject[fedObjectID]; ok {
		return m, nil
	}
	return nil, mapping.ErrNotFound
}

var _ mapping.Lookup = (*stubLookup)(nil)

func testContext() *Context {
	return &Context{
		BaseURL:     "https://fed.example",
		LocalDomain: "fed.example",
		Lookup:      newStubLookup(),
	}
}

func TestChatToFedNote_Idempotence(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:          "$abc123",
		RoomID:           "!room:chat.example",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "text",
		Body:             "hello world",
		Timestamp:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Public:           true,
	}

	a1, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	a2, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote (second): %v", err)
	}
	if a1.ID != a2.ID || a1.Object.ID != a2.Object.ID {
		t.Fatalf("expected identical ids on repeated translation, got %q/%q vs %q/%q",
			a1.ID, a1.Object.ID, a2.ID, a2.Object.ID)
	}
}

func TestChatToFedNote_PlainTextEscaped(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:          "$e1",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "text",
		Body:             "<script>alert(1)</script>",
		Timestamp:        time.Now(),
		Public:           true,
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	if strings.Contains(note.Object.Content, "<script>") {
		t.Errorf("expected plain-text body to be HTML-escaped, got %q", note.Object.Content)
	}
}

func TestChatToFedNote_Mentions(t *testing.T) {
	c := testContext()
	c.Lookup.(*stubLookup).usersByChatID["@bob:chat.example"] = &models.User{
		FedActorID: strPtr("https://fed.example/users/bob"),
	}
	event := &ChatEvent{
		EventID:          "$e2",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "text",
		Body:             "hi @bob:chat.example",
		FormattedBody:    "hi @bob:chat.example",
		Timestamp:        time.Now(),
		Public:           true,
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	if !strings.Contains(note.Object.Content, "@bob@chat.example") {
		t.Errorf("expected mention rewritten to fed form, got %q", note.Object.Content)
	}
	found := false
	for _, tag := range note.Object.Tag {
		if tag.Type == "Mention" && tag.Href == "https://fed.example/users/bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a resolved Mention tag, got %+v", note.Object.Tag)
	}
}

func TestChatToFedNote_Hashtag(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:          "$e3",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "text",
		Body:             "check out #golang today",
		Timestamp:        time.Now(),
		Public:           true,
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	found := false
	for _, tag := range note.Object.Tag {
		if tag.Type == "Hashtag" && tag.Name == "#golang" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a Hashtag tag, got %+v", note.Object.Tag)
	}
}

func TestChatToFedNote_Spoiler(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:          "$e4",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "text",
		Body:             "the ending",
		Timestamp:        time.Now(),
		Public:           true,
		SpoilerLabel:     "movie spoilers",
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	if !note.Object.Sensitive || note.Object.Summary != "movie spoilers" {
		t.Errorf("expected sensitive=true summary=%q, got sensitive=%v summary=%q",
			"movie spoilers", note.Object.Sensitive, note.Object.Summary)
	}
}

func TestChatToFedNote_Emote(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:          "$e5",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "emote",
		Body:             "waves hello",
		Timestamp:        time.Now(),
		Public:           true,
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	if note.Object.Content != "<em>alice waves hello</em>" {
		t.Errorf("got %q", note.Object.Content)
	}
}

func TestChatToFedNote_UnknownMsgType(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:          "$e6",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "weird.custom.type",
		Body:             "???",
		Timestamp:        time.Now(),
		Public:           true,
	}
	if _, _, err := ChatToFedNote(context.Background(), c, event); err == nil {
		t.Fatal("expected error for unknown msgtype")
	}
}

func TestChatToFedNote_ReplyRelation(t *testing.T) {
	c := testContext()
	c.Lookup.(*stubLookup).byChatEvent["$parent"] = &models.MessageMapping{
		FedObjectID: strPtr("https://fed.example/objects/parent"),
	}
	event := &ChatEvent{
		EventID:            "$e7",
		SenderChatUserID:   "@alice:chat.example",
		MsgType:            "text",
		Body:               "reply",
		Timestamp:          time.Now(),
		Public:             true,
		ReplyToChatEventID: "$parent",
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	if note.Object.InReplyTo != "https://fed.example/objects/parent" {
		t.Errorf("got InReplyTo=%q", note.Object.InReplyTo)
	}
}

func TestChatToFedNote_ReplyMissingOmitted(t *testing.T) {
	c := testContext()
	event := &ChatEvent{
		EventID:            "$e8",
		SenderChatUserID:   "@alice:chat.example",
		MsgType:            "text",
		Body:               "reply",
		Timestamp:          time.Now(),
		Public:             true,
		ReplyToChatEventID: "$does-not-exist",
	}
	note, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}
	if note.Object.InReplyTo != "" {
		t.Errorf("expected reply relation omitted, got %q", note.Object.InReplyTo)
	}
}

func TestFedToChatMessage_LocalMentionRewritten(t *testing.T) {
	c := testContext()
	note := &IncomingNote{
		ID:       "https://fed.example/objects/1",
		ActorURL: "https://fed.example/users/carol",
		Content:  "hi @dave@fed.example",
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	if !strings.Contains(send.Messages[0].FormattedBody, "@dave:fed.example") {
		t.Errorf("expected local-domain mention rewritten to chat form, got %q", send.Messages[0].FormattedBody)
	}
}

func TestFedToChatMessage_GhostMention(t *testing.T) {
	c := testContext()
	note := &IncomingNote{
		ID:       "https://fed.example/objects/2",
		ActorURL: "https://other.example/users/erin",
		Content:  "hi @erin@other.example",
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	if !strings.Contains(send.Messages[0].FormattedBody, "@_ap_erin_other-example:fed.example") {
		t.Errorf("expected ghost id mention, got %q", send.Messages[0].FormattedBody)
	}
}

func TestFedToChatMessage_Spoiler(t *testing.T) {
	c := testContext()
	note := &IncomingNote{
		ID:        "https://fed.example/objects/3",
		Content:   "the ending",
		Sensitive: true,
		Summary:   "spoilers",
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	msg := send.Messages[0]
	if !strings.HasPrefix(msg.Body, "[spoilers] ") {
		t.Errorf("expected plain body prefixed with summary, got %q", msg.Body)
	}
	if !strings.Contains(msg.FormattedBody, "data-mx-spoiler") {
		t.Errorf("expected spoiler span in formatted body, got %q", msg.FormattedBody)
	}
}

func TestFedToChatMessage_ReplyRelation(t *testing.T) {
	c := testContext()
	c.Lookup.(*stubLookup).byFedObject["https://fed.example/objects/parent"] = &models.MessageMapping{
		ChatEventID: strPtr("$parent-chat"),
	}
	note := &IncomingNote{
		ID:        "https://fed.example/objects/4",
		Content:   "reply",
		InReplyTo: "https://fed.example/objects/parent",
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	if send.Messages[0].ReplyToEventID != "$parent-chat" {
		t.Errorf("got ReplyToEventID=%q", send.Messages[0].ReplyToEventID)
	}
}

func TestFedToChatMessage_ReplyMissingOmitted(t *testing.T) {
	c := testContext()
	note := &IncomingNote{
		ID:        "https://fed.example/objects/5",
		Content:   "reply",
		InReplyTo: "https://fed.example/objects/does-not-exist",
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	if send.Messages[0].ReplyToEventID != "" {
		t.Errorf("expected reply relation omitted, got %q", send.Messages[0].ReplyToEventID)
	}
}

func TestFedToChatMessage_NoMedia_AttachmentDegradesToText(t *testing.T) {
	c := testContext()
	note := &IncomingNote{
		ID:      "https://fed.example/objects/6",
		Content: "photo",
		Attachment: []Attachment{
			{Type: "Image", URL: "https://fed.example/media/abc.png", Name: "a cat"},
		},
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	if len(send.Messages) != 2 {
		t.Fatalf("expected text message + degraded attachment message, got %d", len(send.Messages))
	}
	attMsg := send.Messages[1]
	if attMsg.MsgType != "text" || !strings.Contains(attMsg.Body, "https://fed.example/media/abc.png") {
		t.Errorf("expected degraded text attachment message, got %+v", attMsg)
	}
}

func TestRoundTrip_PlainTextPreserved(t *testing.T) {
	c := testContext()
	original := "hello there, friend"
	event := &ChatEvent{
		EventID:          "$rt1",
		SenderChatUserID: "@alice:chat.example",
		MsgType:          "text",
		Body:             original,
		Timestamp:        time.Now(),
		Public:           true,
	}
	activity, _, err := ChatToFedNote(context.Background(), c, event)
	if err != nil {
		t.Fatalf("ChatToFedNote: %v", err)
	}

	note := &IncomingNote{
		ID:      activity.Object.ID,
		Content: activity.Object.Content,
	}
	send, _, err := FedToChatMessage(context.Background(), c, note)
	if err != nil {
		t.Fatalf("FedToChatMessage: %v", err)
	}
	if strings.TrimSpace(send.Messages[0].Body) != original {
		t.Errorf("round trip mismatch: got %q, want %q", send.Messages[0].Body, original)
	}
}

func TestExtractHashtags_Dedupe(t *testing.T) {
	got := extractHashtags("#golang is fun, #golang is great, not `#insidecode`")
	if len(got) != 1 || got[0] != "golang" {
		t.Errorf("got %v, want [golang]", got)
	}
}

func TestExtractChatMentions_IgnoresCodeSpans(t *testing.T) {
	got := extractChatMentions("ping @bob:chat.example but not `@carol:chat.example`")
	if len(got) != 1 || got[0].Local != "bob" {
		t.Errorf("got %v", got)
	}
}

func TestActivityID_Deterministic(t *testing.T) {
	obj := objectID("https://fed.example", "$abc")
	a1 := activityID("https://fed.example", "Create", obj)
	a2 := activityID("https://fed.example", "Create", obj)
	if a1 != a2 {
		t.Errorf("expected deterministic activity id, got %q vs %q", a1, a2)
	}
}

func strPtr(s string) *string { return &s }
