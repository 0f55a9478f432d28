// Package matrixclient is a narrow application-service client for the
// homeserver's Client-Server API: fetching an event's content by id,
// sending an event as a ghost via the as_token/user_id masquerading
// convention, registering and joining ghost users, and syncing ghost
// profile fields. It deliberately stays a thin net/http+encoding/json
// wrapper rather than reaching for mautrix's own client.Client, whose
// exact method surface isn't exercised anywhere else in this codebase;
// the request/error-wrapping shape is grounded on internal/bridge's
// actor-fetch HTTP client (§4.7).
package matrixclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amityvox/amityvox/internal/models"
)

const (
	requestTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
)

// Client talks to one homeserver as a registered application service.
type Client struct {
	HSURL   string
	ASToken string

	http *http.Client
}

// New builds a Client. hsURL is the homeserver's client-server base URL
// (e.g. "https://matrix.example"), asToken the appservice's as_token.
func New(hsURL, asToken string) *Client {
	return &Client{
		HSURL:   strings.TrimRight(hsURL, "/"),
		ASToken: asToken,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Event is the subset of a homeserver room event this bridge needs to
// translate out.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// MessageContent is the m.room.message content shape this bridge reads and
// writes.
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	Format        string     `json:"format,omitempty"`
	URL           string     `json:"url,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo carries a reply reference (m.in_reply_to).
type RelatesTo struct {
	InReplyTo *EventReference `json:"m.in_reply_to,omitempty"`
}

// EventReference names a replied-to event by id.
type EventReference struct {
	EventID string `json:"event_id"`
}

func (c *Client) do(ctx context.Context, method, path string, userID string, body any) (*http.Response, error) {
	u := c.HSURL + path
	q := url.Values{}
	q.Set("access_token", c.ASToken)
	if userID != "" {
		q.Set("user_id", userID)
	}
	u += "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("matrixclient: encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("matrixclient: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matrixclient: request to %s: %w", path, err)
	}
	return resp, nil
}

// GetEvent fetches one room event by id (§4.6 translate-out: the queue job
// carries only ids, the event body is fetched lazily at translation time).
func (c *Client) GetEvent(ctx context.Context, roomID, eventID string) (*Event, error) {
	resp, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s", url.PathEscape(roomID), url.PathEscape(eventID)),
		"", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("matrixclient: get event %s/%s returned %d", roomID, eventID, resp.StatusCode)
	}
	var evt Event
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&evt); err != nil {
		return nil, fmt.Errorf("matrixclient: decoding event: %w", err)
	}
	return &evt, nil
}

// SendMessage sends one m.room.message event into roomID as senderUserID
// (a ghost masquerading via the as_token + user_id convention) and returns
// the assigned event id.
func (c *Client) SendMessage(ctx context.Context, roomID, senderUserID string, content MessageContent) (string, error) {
	txnID := models.NewULID().String()
	resp, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s", url.PathEscape(roomID), txnID),
		senderUserID, content)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("matrixclient: send message to %s returned %d", roomID, resp.StatusCode)
	}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("matrixclient: decoding send response: %w", err)
	}
	return out.EventID, nil
}

// EnsureGhost registers localpart as an application-service user if it
// doesn't already exist and joins it to roomID. M_USER_IN_USE from register
// and "already in room" failures from join are treated as success (§4.7
// "ghost user provisioning on first contact" is idempotent). localDomain is
// the homeserver's own domain, which may differ from HSURL's hostname
// behind a reverse proxy.
func (c *Client) EnsureGhost(ctx context.Context, localpart, localDomain, roomID string) error {
	if err := c.registerGhost(ctx, localpart); err != nil {
		return err
	}
	userID := "@" + localpart + ":" + localDomain
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/_matrix/client/v3/rooms/%s/join", url.PathEscape(roomID)),
		userID, struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Errcode string `json:"errcode"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&apiErr)
		if apiErr.Errcode != "" {
			// Already joined, or the room is gone from under us; neither
			// blocks the send that follows.
			return nil
		}
		return fmt.Errorf("matrixclient: joining %s as %s returned %d", roomID, userID, resp.StatusCode)
	}
	return nil
}

func (c *Client) registerGhost(ctx context.Context, localpart string) error {
	body := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	resp, err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/register", "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("matrixclient: registering ghost %s returned %d", localpart, resp.StatusCode)
	}
	// 400 M_USER_IN_USE is the expected steady-state outcome once a ghost
	// has been registered once; any other 400 would also fail the send
	// that immediately follows, so it isn't worth distinguishing here.
	return nil
}

// SetProfile syncs a ghost's displayname and avatar_url. Either may be
// empty to leave that field untouched on the homeserver.
func (c *Client) SetProfile(ctx context.Context, userID, displayName, avatarURL string) error {
	if displayName != "" {
		resp, err := c.do(ctx, http.MethodPut,
			fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(userID)),
			userID, map[string]string{"displayname": displayName})
		if err != nil {
			return err
		}
		resp.Body.Close()
	}
	if avatarURL != "" {
		resp, err := c.do(ctx, http.MethodPut,
			fmt.Sprintf("/_matrix/client/v3/profile/%s/avatar_url", url.PathEscape(userID)),
			userID, map[string]string{"avatar_url": avatarURL})
		if err != nil {
			return err
		}
		resp.Body.Close()
	}
	return nil
}
