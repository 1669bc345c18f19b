package engine

import "watchroom/internal/models"

// Engine-to-client event names. Inbound command names live in the gateway,
// which owns the wire dispatch.
const (
	EventOnlineUsers        = "online_users"
	EventHostStatus         = "host_status"
	EventRoomState          = "room_state"
	EventViewerCount        = "viewer_count_update"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventVideoControl       = "video_control_event"
	EventHostSyncResponse   = "host_sync_response"
	EventHostChanged        = "host_changed"
	EventEpisodeChanged     = "episode_changed"
	EventRoomEnded          = "room_ended"
	EventNewRoomMessage     = "new_room_message"
	EventRoomMessageDeleted = "room_message_deleted"
	EventNewMessage         = "new_message"
	EventNewPinnedMessage   = "new_pinned_message"
	EventMessageUnpinned    = "message_unpinned"
	EventMessageDeleted     = "message_deleted"
	EventMessagesPurged     = "all_messages_deleted_except_pinned"
	EventError              = "error"
)

// PresenceUser is one entry of the de-duplicated online user list.
type PresenceUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type presencePayload struct {
	Users []PresenceUser `json:"users"`
	Count int            `json:"count"`
}

type hostStatusPayload struct {
	IsHost bool `json:"isHost"`
}

type viewerCountPayload struct {
	Count int `json:"count"`
}

type userEventPayload struct {
	User PresenceUser `json:"user"`
}

type controlPayload struct {
	Action  string  `json:"action"`
	Time    float64 `json:"time"`
	UserID  int64   `json:"userId"`
	EventID string  `json:"eventId"`
}

type hostChangedPayload struct {
	HostID int64 `json:"hostId"`
}

type episodePayload struct {
	Episode models.Episode `json:"episode"`
}

type roomEndedPayload struct {
	RoomID string `json:"roomId"`
}

type roomMessageDeletedPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type pinPayload struct {
	ID       string `json:"id"`
	PinnedBy int64  `json:"pinned_by"`
}

type messageIDPayload struct {
	ID string `json:"id"`
}

func presenceUserFrom(identity models.Identity) PresenceUser {
	return PresenceUser{ID: identity.ID, Username: identity.Username, Avatar: identity.Avatar}
}
