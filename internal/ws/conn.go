package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nfornj/USVisaChat-sub000/internal/auth"
	"github.com/nfornj/USVisaChat-sub000/internal/config"
	"github.com/nfornj/USVisaChat-sub000/internal/metrics"
	"github.com/nfornj/USVisaChat-sub000/internal/models"
	"github.com/nfornj/USVisaChat-sub000/internal/store"
)

// Close reason codes. These are stable strings the client maps to user-facing
// messages; rejections arrive as a close frame, never as an HTTP error,
// because the handshake must be accepted before the server can send anything.
const (
	ReasonMissingParameters = "missing-parameters"
	ReasonAuthRequired      = "authentication-required"
	ReasonInvalidSession    = "invalid-or-expired-session"
	ReasonBanned            = "user-is-banned"
	ReasonInternalAuthError = "internal-authentication-error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound is one client frame. An absent type means a text message.
type Inbound struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ReplyTo       string `json:"replyTo"`
	ImageURL      string `json:"imageUrl"`
	ImageFilename string `json:"imageFilename"`
	ImageSize     int64  `json:"imageSize"`
	DisplayName   string `json:"displayName"`
}

type systemFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type historyFrame struct {
	Type     string       `json:"type"`
	Messages []store.Wire `json:"messages"`
	RoomID   string       `json:"room_id"`
}

type usersFrame struct {
	Type  string   `json:"type"`
	Users []Member `json:"users"`
	Count int      `json:"count"`
}

type presenceEvent struct {
	Type        string `json:"type"`
	UserEmail   string `json:"userEmail"`
	DisplayName string `json:"displayName"`
	Timestamp   string `json:"timestamp"`
}

// Client is one live connection: the transport handle plus the session-local
// identity used for authorship and fan-out.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	msgs     *store.MessageStore
	presence *store.PresenceTracker
	limiter  *rate.Limiter

	roomID      string
	email       string
	displayName string
}

// closeSend is safe to call from the read loop's teardown, a replacing
// registration and the broadcast drop path; the channel closes exactly once,
// which ends the write pump and closes the socket.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// Serve upgrades the connection and runs it through admission: parameters,
// session token, claimed-email match, ban check. Every failure closes the
// socket with its stable reason code.
func Serve(hub *Hub, verifier *auth.Verifier, msgs *store.MessageStore, presence *store.PresenceTracker, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		email := auth.NormalizeEmail(c.Query("user_email"))
		displayName := strings.TrimSpace(c.Query("display_name"))
		roomID := c.Query("room_id")
		if roomID == "" {
			roomID = cfg.GeneralRoomID
		}
		token := c.Query("token")

		if email == "" || displayName == "" {
			closeWithReason(conn, ReasonMissingParameters)
			return
		}
		if token == "" {
			closeWithReason(conn, ReasonAuthRequired)
			return
		}

		ctx := c.Request.Context()
		user, err := verifier.Verify(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				closeWithReason(conn, ReasonInvalidSession)
			} else {
				log.Error().Err(err).Str("room", roomID).Msg("ws admission")
				closeWithReason(conn, ReasonInternalAuthError)
			}
			return
		}
		if !strings.EqualFold(user.Email, email) {
			closeWithReason(conn, ReasonInvalidSession)
			return
		}
		if verifier.IsBanned(ctx, user.Email) {
			closeWithReason(conn, ReasonBanned)
			return
		}

		client := &Client{
			hub:         hub,
			conn:        conn,
			send:        make(chan []byte, 256),
			msgs:        msgs,
			presence:    presence,
			limiter:     rate.NewLimiter(rate.Limit(cfg.ChatMsgsPerSecond), cfg.ChatBurst),
			roomID:      roomID,
			email:       email,
			displayName: displayName,
		}

		hub.Register(roomID, email, displayName, client)

		// Presence is best-effort: chat availability beats accurate counts.
		if err := presence.Mark(ctx, roomID, email, displayName, true); err != nil {
			log.Warn().Err(err).Str("room", roomID).Str("email", email).Msg("presence online")
		}

		// A failed history read admits the client with an empty snapshot.
		history, err := msgs.Recent(ctx, roomID, cfg.HistoryLimit, 0)
		if err != nil {
			log.Error().Err(err).Str("room", roomID).Msg("history replay")
			history = []store.Wire{}
		}
		client.enqueue(historyFrame{Type: "history", Messages: history, RoomID: roomID})

		now := time.Now().UTC().Format(time.RFC3339)
		hub.Broadcast(roomID, marshal(systemFrame{Type: "system", Message: displayName + " joined the room", Timestamp: now}), email)
		hub.Broadcast(roomID, marshal(presenceEvent{Type: "user_joined", UserEmail: email, DisplayName: displayName, Timestamp: now}), email)

		go client.writePump()
		client.readPump()
	}
}

func closeWithReason(conn *websocket.Conn, reason string) {
	metrics.WsRejectionsTotal.WithLabelValues(reason).Inc()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}

func marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal frame")
		return []byte("{}")
	}
	return b
}

// enqueue delivers a frame to this client only. A reconnect can close this
// channel between registration and the first write, so the closed state is
// checked under the same lock; frames for a replaced connection are dropped,
// as are frames that find the buffer full.
func (c *Client) enqueue(v interface{}) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- marshal(v):
	default:
	}
}

// readPump processes one inbound frame at a time: no pipelining, so a single
// connection's messages are persisted and broadcast in receipt order. Frame
// processing errors never terminate the loop; only transport errors do.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			// Malformed frame: dropped, loop continues.
			continue
		}

		if in.Type == "profile_update" {
			c.handleProfileUpdate(in)
			continue
		}

		if !c.limiter.Allow() {
			log.Warn().Str("room", c.roomID).Str("email", c.email).Msg("chat rate limit exceeded")
			continue
		}
		c.handleMessage(in)
	}
}

// handleProfileUpdate renames the session-local display name used for
// subsequent broadcasts and re-broadcasts the room roster. Past messages are
// not renamed.
func (c *Client) handleProfileUpdate(in Inbound) {
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return
	}
	c.displayName = name
	c.hub.Rename(c.roomID, c.email, name)
	members := c.hub.Snapshot(c.roomID)
	c.hub.Broadcast(c.roomID, marshal(usersFrame{Type: "users", Users: members, Count: len(members)}), "")
}

// handleMessage persists the frame and broadcasts the stored, formatted
// message to the room, sender included. A persistence failure is logged and
// that one message is lost; the connection stays open.
func (c *Client) handleMessage(in Inbound) {
	msgType := models.MessageTypeText
	var metadata map[string]string
	if in.Type == models.MessageTypeImage {
		msgType = models.MessageTypeImage
		metadata = map[string]string{"imageUrl": in.ImageURL}
		if in.ImageFilename != "" {
			metadata["imageFilename"] = in.ImageFilename
		}
	} else if in.Message == "" {
		return
	}

	ctx := context.Background()
	wire, err := c.msgs.Append(ctx, store.AppendInput{
		RoomID:      c.roomID,
		UserEmail:   c.email,
		DisplayName: c.displayName,
		Body:        in.Message,
		Type:        msgType,
		Metadata:    metadata,
		Mentions:    extractMentions(in.Message),
		ReplyToID:   in.ReplyTo,
	})
	if err != nil {
		log.Error().Err(err).Str("room", c.roomID).Str("email", c.email).Msg("append message")
		return
	}
	metrics.WsMessagesTotal.Inc()
	c.hub.Broadcast(c.roomID, marshal(wire), "")
}

// teardown runs once the transport is gone: deregister, mark presence
// offline, and announce the departure if this connection had been active.
func (c *Client) teardown() {
	name, removed := c.hub.Deregister(c.roomID, c.email, c)
	c.closeSend()
	_ = c.conn.Close()

	// A connection replaced by a reconnect must not flip the live entry's
	// presence to offline or announce a departure.
	if !removed {
		return
	}

	if err := c.presence.Mark(context.Background(), c.roomID, c.email, c.displayName, false); err != nil {
		log.Warn().Err(err).Str("room", c.roomID).Str("email", c.email).Msg("presence offline")
	}

	if name != "" {
		now := time.Now().UTC().Format(time.RFC3339)
		c.hub.Broadcast(c.roomID, marshal(systemFrame{Type: "system", Message: name + " left the room", Timestamp: now}), "")
		c.hub.Broadcast(c.roomID, marshal(presenceEvent{Type: "user_left", UserEmail: c.email, DisplayName: name, Timestamp: now}), "")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// extractMentions pulls @-prefixed tokens out of a message body.
func extractMentions(body string) []string {
	var out []string
	for _, f := range strings.Fields(body) {
		if len(f) > 1 && f[0] == '@' {
			out = append(out, strings.ToLower(strings.Trim(f[1:], ".,!?:;")))
		}
	}
	return out
}
