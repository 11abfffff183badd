package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfornj/USVisaChat-sub000/internal/auth"
	"github.com/nfornj/USVisaChat-sub000/internal/config"
	"github.com/nfornj/USVisaChat-sub000/internal/store"
	"github.com/nfornj/USVisaChat-sub000/internal/ws"
)

// Handler aggregates the HTTP adapters. Each endpoint maps directly onto one
// store, registry or auth operation.
type Handler struct {
	cfg      config.Config
	authSvc  *auth.Service
	verifier *auth.Verifier
	msgs     *store.MessageStore
	presence *store.PresenceTracker
	hub      *ws.Hub
}

func NewHandler(cfg config.Config, authSvc *auth.Service, verifier *auth.Verifier, msgs *store.MessageStore, presence *store.PresenceTracker, hub *ws.Hub) *Handler {
	return &Handler{cfg: cfg, authSvc: authSvc, verifier: verifier, msgs: msgs, presence: presence, hub: hub}
}

// RequestCode issues a one-time login code for an email address.
func (h *Handler) RequestCode(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.authSvc.RequestCode(c.Request.Context(), req.Email); err != nil {
		if errors.Is(err, auth.ErrMissingCredentials) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("request code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "code sent"})
}

// VerifyCode exchanges a valid code for a session token.
func (h *Handler) VerifyCode(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	sess, user, err := h.authSvc.VerifyCode(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		if errors.Is(err, auth.ErrCodeInvalid) || errors.Is(err, auth.ErrMissingCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired code"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("verify code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
		"user":       gin.H{"email": user.Email, "display_name": user.DisplayName, "verified": user.Verified},
	})
}

// Logout invalidates the caller's session.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.authSvc.Logout(c.Request.Context(), auth.GetSessionToken(c)); err != nil {
		log.Error().Err(err).Msg("logout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

// Me returns the authenticated identity.
func (h *Handler) Me(c *gin.Context) {
	user := auth.GetUser(c)
	c.JSON(http.StatusOK, gin.H{
		"email":         user.Email,
		"display_name":  user.DisplayName,
		"verified":      user.Verified,
		"message_count": user.MessageCount,
	})
}

// History returns recent non-deleted messages for a room, oldest first.
func (h *Handler) History(c *gin.Context) {
	roomID := c.Query("room_id")
	if roomID == "" {
		roomID = h.cfg.GeneralRoomID
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.cfg.HistoryLimit)))
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	msgs, err := h.msgs.Recent(c.Request.Context(), roomID, limit, skip)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "room_id": roomID})
}

// EditMessage updates a message body for its author inside the edit window.
func (h *Handler) EditMessage(c *gin.Context) {
	var req struct {
		MessageID  string `json:"message_id"`
		NewContent string `json:"new_content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" || strings.TrimSpace(req.NewContent) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user := auth.GetUser(c)
	window := time.Duration(h.cfg.EditWindowMinutes) * time.Minute
	wire, err := h.msgs.Edit(c.Request.Context(), req.MessageID, req.NewContent, user.Email, window)
	if err != nil {
		var we *store.WindowExpiredError
		switch {
		case errors.As(err, &we):
			c.JSON(http.StatusForbidden, gin.H{"error": we.Error()})
		case errors.Is(err, store.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not authorized to edit this message"})
		default:
			log.Error().Err(err).Str("message_id", req.MessageID).Msg("edit message")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "edit failed"})
		}
		return
	}
	// Live room members see the correction too.
	h.hub.Broadcast(wire.RoomID, mustJSON(gin.H{"type": "message_edited", "message": wire}), "")
	c.JSON(http.StatusOK, gin.H{"message": wire})
}

// DeleteMessage soft-deletes the caller's own message.
func (h *Handler) DeleteMessage(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user := auth.GetUser(c)
	ok, err := h.msgs.Delete(c.Request.Context(), req.MessageID, user.Email)
	if err != nil {
		log.Error().Err(err).Str("message_id", req.MessageID).Msg("delete message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized to delete this message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// React adds one (emoji, user) pair to a message; duplicates are no-ops.
func (h *Handler) React(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" || req.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user := auth.GetUser(c)
	added, err := h.msgs.React(c.Request.Context(), req.MessageID, user.Email, req.Emoji)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		log.Error().Err(err).Str("message_id", req.MessageID).Msg("react")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reaction failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

type reactionView struct {
	UserEmail string `json:"userEmail"`
	Emoji     string `json:"emoji"`
	Timestamp string `json:"timestamp"`
}

// Reactions lists the reaction set for one message.
func (h *Handler) Reactions(c *gin.Context) {
	id := c.Query("message_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing message_id"})
		return
	}
	reactions, err := h.msgs.Reactions(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("message_id", id).Msg("list reactions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load reactions"})
		return
	}
	out := make([]reactionView, 0, len(reactions))
	for _, r := range reactions {
		out = append(out, reactionView{
			UserEmail: r.UserEmail,
			Emoji:     r.Emoji,
			Timestamp: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"message_id": id, "reactions": out})
}

// OnlineUsers answers with this process's roster plus the durable online
// count, which covers users connected to other processes.
func (h *Handler) OnlineUsers(c *gin.Context) {
	roomID := c.Query("room_id")
	if roomID == "" {
		roomID = h.cfg.GeneralRoomID
	}
	members := h.hub.Snapshot(roomID)
	count, err := h.presence.Count(c.Request.Context(), roomID)
	if err != nil {
		log.Warn().Err(err).Str("room", roomID).Msg("presence count")
		count = int64(len(members))
	}
	c.JSON(http.StatusOK, gin.H{"users": members, "count": count, "room_id": roomID})
}

// RoomStatistics reports the online count for every room from one grouped
// presence query.
func (h *Handler) RoomStatistics(c *gin.Context) {
	counts, err := h.presence.CountsByRoom(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("room statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load statistics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": counts})
}

// UploadImage stores an uploaded file and returns the URL image messages
// should carry.
func (h *Handler) UploadImage(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	if file.Size > 10<<20 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	name := uuid.NewString() + ext
	if err := c.SaveUploadedFile(file, filepath.Join(h.cfg.UploadDir, name)); err != nil {
		log.Error().Err(err).Str("filename", file.Filename).Msg("save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": "/uploads/" + name, "filename": file.Filename, "size": file.Size})
}

// AdminPurgeMessages deletes messages older than N days, optionally scoped to
// one room.
func (h *Handler) AdminPurgeMessages(c *gin.Context) {
	var req struct {
		Days   int    `json:"days"`
		RoomID string `json:"room_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	n, err := h.msgs.PurgeOlderThan(c.Request.Context(), req.Days, req.RoomID)
	if err != nil {
		log.Error().Err(err).Msg("purge messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// AdminTrimRoom keeps only the newest N messages of a room.
func (h *Handler) AdminTrimRoom(c *gin.Context) {
	var req struct {
		RoomID string `json:"room_id"`
		Keep   int    `json:"keep"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" || req.Keep < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	n, err := h.msgs.TrimRoom(c.Request.Context(), req.RoomID, req.Keep)
	if err != nil {
		log.Error().Err(err).Str("room", req.RoomID).Msg("trim room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trim failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// AdminHardDelete irreversibly removes one message and its reactions.
func (h *Handler) AdminHardDelete(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ok, err := h.msgs.HardDelete(c.Request.Context(), req.MessageID)
	if err != nil {
		log.Error().Err(err).Str("message_id", req.MessageID).Msg("hard delete")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": ok})
}

// AdminBan flags an identity, optionally until an RFC3339 time.
func (h *Handler) AdminBan(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
		Until string `json:"until"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var until *time.Time
	if req.Until != "" {
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until timestamp"})
			return
		}
		until = &t
	}
	if err := h.authSvc.Ban(c.Request.Context(), req.Email, until); err != nil {
		log.Error().Err(err).Str("email", req.Email).Msg("ban user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ban failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": true})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// AdminUnban lifts a ban.
func (h *Handler) AdminUnban(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.authSvc.Unban(c.Request.Context(), req.Email); err != nil {
		log.Error().Err(err).Str("email", req.Email).Msg("unban user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unban failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": false})
}
