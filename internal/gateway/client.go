package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"watchroom/internal/engine"
	"watchroom/internal/models"
)

const maxInboundBytes = 8192

type client struct {
	id       string
	gateway  *Gateway
	conn     *websocket.Conn
	identity models.Identity
	send     chan []byte
	done     chan struct{}
	closed   sync.Once
}

// inbound is the flat decode target for every client command; each handler
// reads the fields it cares about.
type inbound struct {
	Event         string          `json:"event"`
	RoomID        string          `json:"roomId"`
	Action        string          `json:"action"`
	Time          float64         `json:"time"`
	EventID       string          `json:"eventId"`
	Episode       *models.Episode `json:"episode"`
	EpisodeID     int64           `json:"episodeId"`
	EpisodeNumber int             `json:"episodeNumber"`
	Message       string          `json:"message"`
	ReplyTo       string          `json:"replyTo"`
	MessageID     string          `json:"messageId"`
	NewHostID     int64           `json:"newHostId"`
	ID            string          `json:"id"`
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.gateway.heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxInboundBytes)
	pongWait := 2 * c.gateway.heartbeat
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg inbound) {
	ctx := context.Background()
	eng := c.gateway.engine
	var err error
	switch msg.Event {
	case "join_room":
		err = eng.JoinRoom(ctx, c.id, msg.RoomID)
	case "leave_room":
		err = eng.LeaveRoom(ctx, c.id, msg.RoomID)
	case "request_room_state":
		err = eng.RequestRoomState(ctx, c.id, msg.RoomID)
	case "video_control":
		err = eng.VideoControl(ctx, c.id, msg.RoomID, msg.Action, msg.Time, msg.EventID)
	case "request_host_sync":
		err = eng.HostSync(ctx, c.id, msg.RoomID)
	case "stream_start":
		err = eng.StreamStart(ctx, c.id, msg.RoomID, models.Episode{ID: msg.EpisodeID, Number: msg.EpisodeNumber})
	case "end_live":
		err = eng.EndLive(ctx, c.id, msg.RoomID)
	case "change_episode":
		episode := models.Episode{ID: msg.EpisodeID, Number: msg.EpisodeNumber}
		if msg.Episode != nil {
			episode = *msg.Episode
		}
		err = eng.ChangeEpisode(ctx, c.id, msg.RoomID, episode)
	case "transfer_host":
		err = eng.TransferHost(ctx, c.id, msg.RoomID, msg.NewHostID)
	case "room_message":
		err = eng.RoomMessage(ctx, c.id, msg.RoomID, msg.Message, msg.ReplyTo)
	case "delete_room_message":
		err = eng.DeleteRoomMessage(ctx, c.id, msg.RoomID, msg.MessageID)
	case "send_message":
		err = eng.GlobalMessage(ctx, c.id, msg.Message, msg.ReplyTo)
	case "pin_message":
		err = eng.PinMessage(ctx, c.id, msg.ID)
	case "unpin_message":
		err = eng.UnpinMessage(ctx, c.id, msg.ID)
	case "delete_message":
		err = eng.DeleteGlobalMessage(ctx, c.id, msg.ID)
	default:
		c.sendError("unknown command")
		return
	}
	if err != nil {
		c.sendError(err.Error())
	}
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		// Drop instead of blocking; a stalled client must not delay the
		// rest of the room.
	}
}

func (c *client) sendError(message string) {
	payload, err := json.Marshal(envelope{
		Event: engine.EventError,
		Data:  map[string]string{"message": message},
	})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) close() {
	c.closed.Do(func() {
		c.gateway.engine.Disconnect(context.Background(), c.id)
		c.gateway.drop(c)
		close(c.done)
		_ = c.conn.Close()
	})
}
