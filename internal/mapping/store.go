// Package mapping is the identifier & mapping store (§4.1): it owns the
// bidirectional translation between Chat-side identifiers (user IDs, room
// IDs, event IDs) and Fed-side identifiers (actor URLs, object URLs), plus
// follow/block relationships and media handle bookkeeping. All writes that
// touch more than one table go through WithTx so a partial failure never
// leaves the two sides of a mapping out of sync.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/models"
)

// ErrNotFound is returned by lookup methods when no matching row exists.
var ErrNotFound = errors.New("mapping: not found")

// Store is the mapping store's single entry point, grounded on the
// teacher's internal/database pgxpool wiring.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an existing connection pool (shared with internal/database's
// health-checked pool) as a mapping Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// WithTx begins a transaction, runs fn, commits on nil error, and rolls back
// otherwise. Mirrors the transaction idiom in the teacher's
// internal/federation/federation.go (migrateInstanceID, RegisterRemoteInstance).
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mapping: beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("mapping: committing transaction: %w", err)
	}
	return nil
}

// scanUser scans a single users row in column order matching userColumns.
func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.ChatUserID, &u.FedActorID, &u.InboxURL, &u.SharedInboxURL,
		&u.DisplayName, &u.AvatarURL, &u.IsGhost, &u.IsDoublePuppet,
		&u.EncryptedAccessToken, &u.PrivateKeyPEM, &u.PublicKeyPEM,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: scanning user: %w", err)
	}
	return &u, nil
}

const userColumns = `id, chat_user_id, fed_actor_id, inbox_url, shared_inbox_url,
	display_name, avatar_url, is_ghost, is_double_puppet,
	encrypted_access_token, private_key_pem, public_key_pem,
	created_at, updated_at`

// GetUserByChatID looks up a user by their Chat-side user ID.
func (s *Store) GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE chat_user_id = $1`, chatUserID)
	return scanUser(row)
}

// GetUserByFedActorID looks up a user by their Fed-side actor URL.
func (s *Store) GetUserByFedActorID(ctx context.Context, fedActorID string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE fed_actor_id = $1`, fedActorID)
	return scanUser(row)
}

// GetUser looks up a user by their internal mapping-store ID.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetOrCreateGhost finds the ghost user puppeting the given Fed actor, or
// creates one if this is the first time the actor has been observed.
// Corresponds to spec.md's §4.7 "ghost user" provisioning on first contact.
func (s *Store) GetOrCreateGhost(ctx context.Context, fedActorID, inboxURL, sharedInboxURL string, displayName, avatarURL, publicKeyPEM *string) (*models.User, error) {
	u, err := s.GetUserByFedActorID(ctx, fedActorID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := models.NewULID().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, fed_actor_id, inbox_url, shared_inbox_url, display_name, avatar_url, is_ghost, public_key_pem)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		ON CONFLICT (fed_actor_id) DO UPDATE SET
			inbox_url = EXCLUDED.inbox_url,
			shared_inbox_url = EXCLUDED.shared_inbox_url,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			public_key_pem = EXCLUDED.public_key_pem,
			updated_at = now()
		RETURNING `+userColumns,
		id, fedActorID, inboxURL, sharedInboxURL, displayName, avatarURL, publicKeyPEM,
	)
	return scanUser(row)
}

// GetOrCreatePuppet finds the Fed-side actor puppeting the given Chat user,
// or creates one if this is the first time the local user has federated
// out. The new row has no fed actor id or keypair; callers provision those
// via ProvisionLocalActor. Corresponds to spec.md's §4.2/§4.7 "on first outbound
// federation, mint a keypair" behavior.
func (s *Store) GetOrCreatePuppet(ctx context.Context, chatUserID string, displayName, avatarURL *string) (*models.User, error) {
	u, err := s.GetUserByChatID(ctx, chatUserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := models.NewULID().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, chat_user_id, display_name, avatar_url, is_ghost)
		VALUES ($1, $2, $3, $4, false)
		ON CONFLICT (chat_user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = now()
		RETURNING `+userColumns,
		id, chatUserID, displayName, avatarURL,
	)
	return scanUser(row)
}

// UpdateUserKeys stores the RSA keypair minted for a user by internal/fedsig.
func (s *Store) UpdateUserKeys(ctx context.Context, userID, privateKeyPEM, publicKeyPEM string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET private_key_pem = $1, public_key_pem = $2, updated_at = now() WHERE id = $3`,
		privateKeyPEM, publicKeyPEM, userID,
	)
	if err != nil {
		return fmt.Errorf("mapping: updating user keys: %w", err)
	}
	return nil
}

// ProvisionLocalActor mints a local puppet's fed-side identity the first
// time it federates out: the conventional actor URL and the RSA keypair
// internal/fedsig signs with (§4.2 "on first outbound federation, mint a
// keypair"). A no-op if the user already has a fed actor id, so callers can
// call it unconditionally before every translate-out.
func (s *Store) ProvisionLocalActor(ctx context.Context, userID, fedActorID, privateKeyPEM, publicKeyPEM string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET fed_actor_id = $1, private_key_pem = $2, public_key_pem = $3, updated_at = now()
		 WHERE id = $4 AND fed_actor_id IS NULL`,
		fedActorID, privateKeyPEM, publicKeyPEM, userID,
	)
	if err != nil {
		return fmt.Errorf("mapping: provisioning local actor %s: %w", userID, err)
	}
	return nil
}

// SetEncryptedAccessToken stores a double-puppeting access token, already
// encrypted by internal/mapping's token_crypto helpers.
func (s *Store) SetEncryptedAccessToken(ctx context.Context, userID string, ciphertext []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET encrypted_access_token = $1, is_double_puppet = true, updated_at = now() WHERE id = $2`,
		ciphertext, userID,
	)
	if err != nil {
		return fmt.Errorf("mapping: storing encrypted access token: %w", err)
	}
	return nil
}

// GetOrCreateRoom finds the room record for a Chat room, creating one if
// necessary. fedContextID may be nil until the room's first federated
// activity is sent or received.
func (s *Store) GetOrCreateRoom(ctx context.Context, chatRoomID string, roomType models.RoomType) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, chat_room_id, room_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_room_id) DO UPDATE SET chat_room_id = EXCLUDED.chat_room_id
		RETURNING id, chat_room_id, fed_context_id, room_type, created_at`,
		models.NewULID().String(), chatRoomID, string(roomType),
	)
	var r models.Room
	var rt string
	if err := row.Scan(&r.ID, &r.ChatRoomID, &r.FedContextID, &rt, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("mapping: getting or creating room: %w", err)
	}
	r.RoomType = models.RoomType(rt)
	return &r, nil
}

// GetRoom looks up a room by its internal id, used to recover the Chat-side
// room id a message_mappings row only references indirectly.
func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_room_id, fed_context_id, room_type, created_at FROM rooms WHERE id = $1`, id)
	var r models.Room
	var rt string
	if err := row.Scan(&r.ID, &r.ChatRoomID, &r.FedContextID, &rt, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mapping: getting room %s: %w", id, err)
	}
	r.RoomType = models.RoomType(rt)
	return &r, nil
}

// SetRoomFedContext records the Fed-side context ID for a room once it is
// known (first federated activity for that room).
func (s *Store) SetRoomFedContext(ctx context.Context, roomID, fedContextID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rooms SET fed_context_id = $1 WHERE id = $2`, fedContextID, roomID)
	if err != nil {
		return fmt.Errorf("mapping: setting room fed context: %w", err)
	}
	return nil
}

// UpsertMessageMapping records that a Chat event and a Fed object refer to
// the same logical message. Either id may be empty when only one side is
// known yet (e.g. queued for outbound translation).
func (s *Store) UpsertMessageMapping(ctx context.Context, roomID, senderID string, chatEventID, fedObjectID *string) (*models.MessageMapping, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO message_mappings (id, chat_event_id, fed_object_id, room_id, sender_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, chat_event_id, fed_object_id, room_id, sender_id, created_at`,
		models.NewULID().String(), chatEventID, fedObjectID, roomID, senderID,
	)
	var m models.MessageMapping
	if err := row.Scan(&m.ID, &m.ChatEventID, &m.FedObjectID, &m.RoomID, &m.SenderID, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("mapping: upserting message mapping: %w", err)
	}
	return &m, nil
}

// GetMessageMappingByChatEventID is used to detect inbound loops: a Chat
// event already recorded as having been federated should not be federated
// again.
func (s *Store) GetMessageMappingByChatEventID(ctx context.Context, chatEventID string) (*models.MessageMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_event_id, fed_object_id, room_id, sender_id, created_at
		 FROM message_mappings WHERE chat_event_id = $1`, chatEventID)
	var m models.MessageMapping
	err := row.Scan(&m.ID, &m.ChatEventID, &m.FedObjectID, &m.RoomID, &m.SenderID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: looking up message mapping by chat event: %w", err)
	}
	return &m, nil
}

// GetMessageMappingByFedObjectID is used to detect federated-message replay
// and to resolve reply threading targets.
func (s *Store) GetMessageMappingByFedObjectID(ctx context.Context, fedObjectID string) (*models.MessageMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_event_id, fed_object_id, room_id, sender_id, created_at
		 FROM message_mappings WHERE fed_object_id = $1`, fedObjectID)
	var m models.MessageMapping
	err := row.Scan(&m.ID, &m.ChatEventID, &m.FedObjectID, &m.RoomID, &m.SenderID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: looking up message mapping by fed object: %w", err)
	}
	return &m, nil
}

// UpsertFollow records or updates a follow relationship.
func (s *Store) UpsertFollow(ctx context.Context, followerID, followingID string, fedFollowActivityID *string, status models.FollowStatus) (*models.Follow, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO follows (id, follower_id, following_id, fed_follow_activity_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (follower_id, following_id) DO UPDATE SET
			status = EXCLUDED.status,
			fed_follow_activity_id = COALESCE(EXCLUDED.fed_follow_activity_id, follows.fed_follow_activity_id)
		RETURNING id, follower_id, following_id, fed_follow_activity_id, status, created_at`,
		models.NewULID().String(), followerID, followingID, fedFollowActivityID, string(status),
	)
	var f models.Follow
	var st string
	if err := row.Scan(&f.ID, &f.FollowerID, &f.FollowingID, &f.FedFollowActivityID, &st, &f.CreatedAt); err != nil {
		return nil, fmt.Errorf("mapping: upserting follow: %w", err)
	}
	f.Status = models.FollowStatus(st)
	return &f, nil
}

// DeleteFollow removes a follow relationship (Undo-Follow, unfollow).
func (s *Store) DeleteFollow(ctx context.Context, followerID, followingID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM follows WHERE follower_id = $1 AND following_id = $2`, followerID, followingID)
	if err != nil {
		return fmt.Errorf("mapping: deleting follow: %w", err)
	}
	return nil
}

// ListFollowerInboxes returns the distinct inbox endpoints for followingID's
// accepted followers, preferring each follower's shared inbox over its
// personal one so fan-out delivery collapses to one POST per remote
// instance (§4.6 "collapse shared-inbox recipients").
func (s *Store) ListFollowerInboxes(ctx context.Context, followingID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT COALESCE(u.shared_inbox_url, u.inbox_url)
		FROM follows f
		JOIN users u ON u.id = f.follower_id
		WHERE f.following_id = $1 AND f.status = 'accepted'
		  AND COALESCE(u.shared_inbox_url, u.inbox_url) IS NOT NULL`,
		followingID,
	)
	if err != nil {
		return nil, fmt.Errorf("mapping: listing follower inboxes: %w", err)
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, fmt.Errorf("mapping: scanning follower inbox: %w", err)
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// IsBlocked reports whether blockerID has blocked blockedUserID directly, or
// has blocked the instance blockedInstanceHost that blockedUserID belongs to.
func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedUserID, blockedInstanceHost string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM blocks
		WHERE blocker_id = $1 AND (
			(kind = 'user' AND blocked_user_id = $2) OR
			(kind = 'instance' AND blocked_instance_host = $3)
		)`, blockerID, blockedUserID, blockedInstanceHost,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("mapping: checking block: %w", err)
	}
	return count > 0, nil
}

// IsInstanceBlocked reports whether any admin has recorded an instance-wide
// block of host, regardless of which admin user created the row: an
// instance block is a server-wide decision, not a per-user preference.
func (s *Store) IsInstanceBlocked(ctx context.Context, host string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM blocks
		WHERE kind = 'instance' AND blocked_instance_host = $1`, host,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("mapping: checking instance block: %w", err)
	}
	return count > 0, nil
}

// CreateBlock records a new block.
func (s *Store) CreateBlock(ctx context.Context, b *models.Block) error {
	b.ID = models.NewULID().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (id, blocker_id, blocked_user_id, blocked_instance_host, kind, reason, fed_block_activity_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		b.ID, b.BlockerID, b.BlockedUserID, b.BlockedInstanceHost, string(b.Kind), b.Reason, b.FedBlockActivityID,
	)
	if err != nil {
		return fmt.Errorf("mapping: creating block: %w", err)
	}
	return nil
}

// UpsertMedia records the attributes the media gateway derived for a piece
// of media (§4.3).
func (s *Store) UpsertMedia(ctx context.Context, m *models.Media) error {
	if m.ID == "" {
		m.ID = models.NewULID().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media (id, chat_media_handle, fed_media_url, mime_type, file_size, width, height, duration_seconds, blurhash, alt_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chat_media_handle) DO UPDATE SET
			fed_media_url = EXCLUDED.fed_media_url,
			mime_type = EXCLUDED.mime_type,
			file_size = EXCLUDED.file_size,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			duration_seconds = EXCLUDED.duration_seconds,
			blurhash = EXCLUDED.blurhash,
			alt_text = EXCLUDED.alt_text`,
		m.ID, m.ChatMediaHandle, m.FedMediaURL, m.MIMEType, m.FileSize, m.Width, m.Height, m.DurationSeconds, m.Blurhash, m.AltText,
	)
	if err != nil {
		return fmt.Errorf("mapping: upserting media: %w", err)
	}
	return nil
}

// GetMediaByFedURL looks up media metadata by its Fed-side URL.
func (s *Store) GetMediaByFedURL(ctx context.Context, fedMediaURL string) (*models.Media, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, chat_media_handle, fed_media_url, mime_type, file_size, width, height, duration_seconds, blurhash, alt_text, created_at
		FROM media WHERE fed_media_url = $1`, fedMediaURL)
	var m models.Media
	err := row.Scan(&m.ID, &m.ChatMediaHandle, &m.FedMediaURL, &m.MIMEType, &m.FileSize, &m.Width, &m.Height, &m.DurationSeconds, &m.Blurhash, &m.AltText, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: looking up media: %w", err)
	}
	return &m, nil
}

// GetMediaByChatHandle looks up media metadata by its Chat-side handle.
func (s *Store) GetMediaByChatHandle(ctx context.Context, chatMediaHandle string) (*models.Media, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, chat_media_handle, fed_media_url, mime_type, file_size, width, height, duration_seconds, blurhash, alt_text, created_at
		FROM media WHERE chat_media_handle = $1`, chatMediaHandle)
	var m models.Media
	err := row.Scan(&m.ID, &m.ChatMediaHandle, &m.FedMediaURL, &m.MIMEType, &m.FileSize, &m.Width, &m.Height, &m.DurationSeconds, &m.Blurhash, &m.AltText, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapping: looking up media: %w", err)
	}
	return &m, nil
}

// InsertDeadLetter records a pipeline job that exhausted its retry budget,
// grounded on the teacher's sync.go insertDeadLetter, generalized from one
// federation queue to the bridge's three pipeline queues.
func (s *Store) InsertDeadLetter(ctx context.Context, queue, target string, payload []byte, errMsg string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO federation_dead_letters (id, queue, target, payload, error_message, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		models.NewULID().String(), queue, target, payload, errMsg, attempts,
	)
	if err != nil {
		return fmt.Errorf("mapping: inserting dead letter: %w", err)
	}
	return nil
}

// PurgeUser deletes a user and all records that reference them, in the
// order resolved for spec.md's §9 open question: message mappings (by
// sender), blocks (either direction), follows (either direction), then the
// user row itself. Runs inside a single WithTx so the purge is atomic.
func (s *Store) PurgeUser(ctx context.Context, userID string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM message_mappings WHERE sender_id = $1`, userID); err != nil {
			return fmt.Errorf("purging message mappings: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE blocker_id = $1 OR blocked_user_id = $1`, userID); err != nil {
			return fmt.Errorf("purging blocks: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM follows WHERE follower_id = $1 OR following_id = $1`, userID); err != nil {
			return fmt.Errorf("purging follows: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
			return fmt.Errorf("purging user: %w", err)
		}
		return nil
	})
}
