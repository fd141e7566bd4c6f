package shipchat

import (
	"encoding/json"
	"sort"
)

// ============================================================================
// Session
// ============================================================================

// TokenKind describes how a session authenticates against the server.
type TokenKind string

const (
	TokenBearer TokenKind = "bearer"
	TokenCookie TokenKind = "cookie-session"
)

// CookieSessionToken is the sentinel token value used when the server did not
// return a token header and authentication rides on the HTTP session cookie.
const CookieSessionToken = "cookie-session"

// Session is the authenticated state of a client.
type Session struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	TokenKind TokenKind `json:"token_kind"`
}

// persistedSession is the on-disk shape of a restored session.
type persistedSession struct {
	Session Session `json:"session"`
	User    *User   `json:"user"`
}

// ============================================================================
// Users
// ============================================================================

// User is a chat server user profile. Only the fields the client needs are
// mapped; the server returns more.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName returns the nickname when set, the username otherwise.
func (u User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// ============================================================================
// Teams
// ============================================================================

// TeamType mirrors the server's one-letter team type codes.
type TeamType string

const (
	TeamOpen   TeamType = "O"
	TeamInvite TeamType = "I"
)

// Team is a top-level grouping of channels and members.
type Team struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Type        TeamType `json:"type"`
}

// ============================================================================
// Channels
// ============================================================================

// ChannelType mirrors the server's one-letter channel type codes.
type ChannelType string

const (
	ChannelOpen    ChannelType = "O"
	ChannelPrivate ChannelType = "P"
	ChannelDirect  ChannelType = "D"
	ChannelGroup   ChannelType = "G"
)

// DefaultChannelName is the well-known slug of the channel every team gets.
const DefaultChannelName = "town-square"

// Channel is a message stream scoped to one team.
type Channel struct {
	ID            string      `json:"id"`
	TeamID        string      `json:"team_id"`
	Name          string      `json:"name"`
	DisplayName   string      `json:"display_name"`
	Type          ChannelType `json:"type"`
	LastPostAt    int64       `json:"last_post_at"`
	TotalMsgCount int64       `json:"total_msg_count"`
}

// ============================================================================
// Posts
// ============================================================================

// Post is a single message within a channel. Timestamps are server epoch
// milliseconds. A non-zero DeleteAt marks a tombstone that stays in the local
// cache until the next full refresh.
type Post struct {
	ID            string `json:"id"`
	ChannelID     string `json:"channel_id"`
	UserID        string `json:"user_id"`
	RootID        string `json:"root_id,omitempty"`
	Message       string `json:"message"`
	CreateAt      int64  `json:"create_at"`
	UpdateAt      int64  `json:"update_at,omitempty"`
	DeleteAt      int64  `json:"delete_at,omitempty"`
	PendingPostID string `json:"pending_post_id,omitempty"`
}

// PostList is the wire shape of a posts page: ids newest-first in Order,
// bodies keyed by id in Posts.
type PostList struct {
	Order []string         `json:"order"`
	Posts map[string]*Post `json:"posts"`
}

// Sorted flattens the page into posts ordered oldest-first by CreateAt.
func (pl *PostList) Sorted() []Post {
	if pl == nil {
		return nil
	}
	out := make([]Post, 0, len(pl.Order))
	for _, id := range pl.Order {
		if p := pl.Posts[id]; p != nil {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateAt < out[j].CreateAt })
	return out
}

// ============================================================================
// Files
// ============================================================================

// FileInfo describes an uploaded file.
type FileInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type fileUploadResponse struct {
	FileInfos []FileInfo `json:"file_infos"`
}

// ============================================================================
// Vessels
// ============================================================================

// VesselInfo maps a vessel to its chat team identity. The table is
// compile-time static; each vessel id maps to exactly one team name.
type VesselInfo struct {
	VesselID        string
	VesselName      string
	CallSign        string
	TeamName        string
	TeamDisplayName string
}

// ============================================================================
// WebSocket events
// ============================================================================

// Well-known server event types. EventAny subscribes to every event.
const (
	EventAny           = "*"
	EventPosted        = "posted"
	EventPostEdited    = "post_edited"
	EventPostDeleted   = "post_deleted"
	EventChannelViewed = "channel_viewed"
	EventTyping        = "typing"
	EventHello         = "hello"
)

// EventBroadcast is the optional routing metadata attached to server events.
type EventBroadcast struct {
	ChannelID string `json:"channel_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Event is a typed server event received over the WebSocket.
type Event struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data,omitempty"`
	Broadcast *EventBroadcast            `json:"broadcast,omitempty"`
	Seq       int64                      `json:"seq,omitempty"`
}

// Post extracts the post carried by a posted/post_edited/post_deleted event.
// The server serializes the post as a JSON string inside the data object, so
// a second parse is needed; a plain object is accepted too.
func (e *Event) Post() (*Post, error) {
	raw, ok := e.Data["post"]
	if !ok {
		return nil, &NotFoundError{APIError{Message: "event carries no post"}}
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		raw = json.RawMessage(nested)
	}
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ============================================================================
// Wire error body
// ============================================================================

type serverError struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}
