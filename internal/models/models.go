package models

import "time"

// Role is the closed set of privilege levels carried by a connecting user.
// The numeric values are part of the wire contract with clients.
type Role int

const (
	RoleUser      Role = 0
	RoleAdmin     Role = 1
	RoleModerator Role = 2
)

var roleLabels = map[Role]string{
	RoleUser:      "user",
	RoleAdmin:     "admin",
	RoleModerator: "moderator",
}

// Label returns the display name for the role. Unknown levels fall back to
// the plain user label.
func (r Role) Label() string {
	if label, ok := roleLabels[r]; ok {
		return label
	}
	return roleLabels[RoleUser]
}

// CanModerate reports whether the role may delete other users' messages and
// end rooms it does not host.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleModerator
}

// CanPin reports whether the role may pin and unpin global messages.
func (r Role) CanPin() bool {
	return r == RoleAdmin
}

// ParseRole maps a role label or numeric value to a Role. Anything it does
// not recognise resolves to RoleUser.
func ParseRole(value string) Role {
	switch value {
	case "admin", "1":
		return RoleAdmin
	case "moderator", "2":
		return RoleModerator
	default:
		return RoleUser
	}
}

// Identity is the resolved user attached to a live connection. The engine
// trusts whatever identity the transport hands it; issuing identities is the
// responsibility of the authentication layer in front of the server.
type Identity struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar,omitempty"`
	Role      Role   `json:"roles"`
	Classname string `json:"classname,omitempty"`
	Icon      string `json:"icon,omitempty"`
	LevelText string `json:"levelText,omitempty"`
}

// Snapshot captures the display attributes embedded into persisted messages.
func (i Identity) Snapshot() AuthorSnapshot {
	return AuthorSnapshot{
		ID:        i.ID,
		Username:  i.Username,
		Avatar:    i.Avatar,
		Role:      i.Role,
		Classname: i.Classname,
		Icon:      i.Icon,
		LevelText: i.LevelText,
	}
}

// AuthorSnapshot is the denormalised author view stored alongside a message
// so deleted or renamed accounts keep their historical display.
type AuthorSnapshot struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar,omitempty"`
	Role      Role   `json:"roles"`
	Classname string `json:"classname,omitempty"`
	Icon      string `json:"icon,omitempty"`
	LevelText string `json:"levelText,omitempty"`
}

// Episode identifies the media a room is currently watching.
type Episode struct {
	ID     int64 `json:"id"`
	Number int   `json:"number"`
}

// PlaybackState is the authoritative position of a room's shared timeline.
type PlaybackState struct {
	Action string  `json:"action"`
	Time   float64 `json:"time"`
}

// PausedAtZero is the playback state every room starts from and resets to on
// an episode change.
func PausedAtZero() PlaybackState {
	return PlaybackState{Action: "pause", Time: 0}
}

// RoomState is the ephemeral per-room snapshot served to late joiners.
type RoomState struct {
	Episode  Episode       `json:"episode"`
	Playback PlaybackState `json:"playbackState"`
}

// Room is the durable record behind a watch room.
type Room struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	HostID      int64     `json:"hostId,omitempty"`
	Live        bool      `json:"live"`
	ViewerCount int       `json:"viewerCount"`
	Episode     Episode   `json:"episode"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReplyPreview is the denormalised excerpt of the message a reply points at.
type ReplyPreview struct {
	MessageID string `json:"replyId"`
	Author    string `json:"replyAuthor"`
	Text      string `json:"replyText"`
}

// RoomMessage is a chat message scoped to a single room.
type RoomMessage struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"roomId"`
	Author    AuthorSnapshot `json:"author"`
	Text      string         `json:"text"`
	Reply     *ReplyPreview  `json:"reply,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// GlobalMessage is a chat message visible to every connected user. Pin
// metadata is populated only while the message is pinned.
type GlobalMessage struct {
	ID        string         `json:"id"`
	Author    AuthorSnapshot `json:"author"`
	Text      string         `json:"text"`
	Reply     *ReplyPreview  `json:"reply,omitempty"`
	Pinned    bool           `json:"pinned"`
	PinnedBy  int64          `json:"pinnedBy,omitempty"`
	PinnedAt  *time.Time     `json:"pinnedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
