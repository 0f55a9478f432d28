package models

import "time"

// User is a bidirectional identity record: either a Chat-side account with a
// Fed-side ghost, or a Fed-side actor with a Chat-side puppet, or (for
// double-puppeted local users) both populated pointing at the same person.
// Corresponds to the users table (§3, §4.1).
type User struct {
	ID                   string    `json:"id"`
	ChatUserID           *string   `json:"chat_user_id,omitempty"`
	FedActorID           *string   `json:"fed_actor_id,omitempty"`
	InboxURL             *string   `json:"inbox_url,omitempty"`
	SharedInboxURL       *string   `json:"shared_inbox_url,omitempty"`
	DisplayName          *string   `json:"display_name,omitempty"`
	AvatarURL            *string   `json:"avatar_url,omitempty"`
	IsGhost              bool      `json:"is_ghost"`
	IsDoublePuppet       bool      `json:"is_double_puppet"`
	EncryptedAccessToken []byte    `json:"-"`
	PrivateKeyPEM        *string   `json:"-"`
	PublicKeyPEM         *string   `json:"public_key_pem,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// IsLocal reports whether this user originates on the Chat side (a real
// homeserver account, possibly double-puppeted) rather than being a ghost
// mirroring a remote Fed actor.
func (u User) IsLocal() bool { return u.ChatUserID != nil && !u.IsGhost }

// RoomType enumerates the kinds of room a mapping.Store tracks.
type RoomType string

const (
	RoomTypeDM     RoomType = "dm"
	RoomTypeGroup  RoomType = "group"
	RoomTypePublic RoomType = "public"
)

// Room maps a Chat room to its Fed-side context (the AP "collection" the
// room's participants see each other's activity through). Corresponds to
// the rooms table (§3, §4.1).
type Room struct {
	ID           string    `json:"id"`
	ChatRoomID   *string   `json:"chat_room_id,omitempty"`
	FedContextID *string   `json:"fed_context_id,omitempty"`
	RoomType     RoomType  `json:"room_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageMapping links a single Chat event to the Fed object it was
// translated to (or from). Corresponds to the message_mappings table
// (§3, §4.4).
type MessageMapping struct {
	ID          string    `json:"id"`
	ChatEventID *string   `json:"chat_event_id,omitempty"`
	FedObjectID *string   `json:"fed_object_id,omitempty"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// FollowStatus enumerates the lifecycle of a Follow activity (§4.7).
type FollowStatus string

const (
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
	FollowRejected FollowStatus = "rejected"
)

// Follow records a directional follow relationship between two users,
// local or remote. Corresponds to the follows table (§3, §4.7).
type Follow struct {
	ID                  string       `json:"id"`
	FollowerID          string       `json:"follower_id"`
	FollowingID         string       `json:"following_id"`
	FedFollowActivityID *string      `json:"fed_follow_activity_id,omitempty"`
	Status              FollowStatus `json:"status"`
	CreatedAt           time.Time    `json:"created_at"`
}

// BlockKind distinguishes a per-user block from an instance-wide block
// (§4.8).
type BlockKind string

const (
	BlockKindUser     BlockKind = "user"
	BlockKindInstance BlockKind = "instance"
)

// Block records a moderation block, either of a single remote user or of an
// entire remote instance. Corresponds to the blocks table (§3, §4.8).
type Block struct {
	ID                  string    `json:"id"`
	BlockerID           string    `json:"blocker_id"`
	BlockedUserID       *string   `json:"blocked_user_id,omitempty"`
	BlockedInstanceHost *string   `json:"blocked_instance_host,omitempty"`
	Kind                BlockKind `json:"kind"`
	Reason              string    `json:"reason,omitempty"`
	FedBlockActivityID  *string   `json:"fed_block_activity_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Media records an opaque handle<->URL mapping plus the derived attributes
// computed by the media gateway. Corresponds to the media table (§3, §4.3).
type Media struct {
	ID                string    `json:"id"`
	ChatMediaHandle   *string   `json:"chat_media_handle,omitempty"`
	FedMediaURL       *string   `json:"fed_media_url,omitempty"`
	MIMEType          string    `json:"mime_type"`
	FileSize          int64     `json:"file_size"`
	Width             *int      `json:"width,omitempty"`
	Height            *int      `json:"height,omitempty"`
	DurationSeconds   *float64  `json:"duration_seconds,omitempty"`
	Blurhash          *string   `json:"blurhash,omitempty"`
	AltText           *string   `json:"alt_text,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// DeadLetter records a pipeline job that exhausted its retry budget (§4.6).
// Corresponds to the federation_dead_letters table, repurposed from the
// teacher's single-queue table to cover all three pipeline queues.
type DeadLetter struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Target       string          `json:"target"`
	Payload      []byte          `json:"payload"`
	ErrorMessage string          `json:"error_message"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
}
