package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

const (
	// DefaultHistoryLimit is the page size replayed on connect and the only
	// page the history cache holds.
	DefaultHistoryLimit = 50

	deletedMarker   = "This message was deleted"
	snapshotBodyMax = 120
)

// Wire is a persisted message formatted for direct transmission: string
// timestamps and the field names the client protocol uses.
type Wire struct {
	Type        string                `json:"type"`
	ID          string                `json:"id"`
	RoomID      string                `json:"room_id"`
	UserEmail   string                `json:"userEmail"`
	DisplayName string                `json:"displayName"`
	Message     string                `json:"message"`
	MessageType string                `json:"messageType"`
	Timestamp   string                `json:"timestamp"`
	Edited      bool                  `json:"edited,omitempty"`
	ImageURL    string                `json:"imageUrl,omitempty"`
	ReplyTo     *models.ReplySnapshot `json:"replyTo,omitempty"`
	TopicID     string                `json:"topicId,omitempty"`
	ReplyCount  int                   `json:"replyCount,omitempty"`
}

func formatMessage(m *models.Message) Wire {
	w := Wire{
		Type:        "message",
		ID:          m.ID,
		RoomID:      m.RoomID,
		UserEmail:   m.UserEmail,
		DisplayName: m.DisplayName,
		Message:     m.Body,
		MessageType: m.Type,
		Timestamp:   m.CreatedAt.UTC().Format(time.RFC3339),
		Edited:      m.Edited,
		ReplyTo:     m.ReplyTo,
		ReplyCount:  m.ReplyCount,
	}
	if m.TopicID != nil {
		w.TopicID = *m.TopicID
	}
	if m.Metadata != nil {
		w.ImageURL = m.Metadata["imageUrl"]
	}
	return w
}

// AppendInput carries everything needed to persist one inbound message.
type AppendInput struct {
	RoomID      string
	UserEmail   string
	DisplayName string
	Body        string
	Type        string
	Metadata    map[string]string
	Mentions    []string
	Attachments []string
	ReplyToID   string
}

// MessageStore is the durable, queryable record of chat messages with
// reply-threading, moderation and retention operations.
type MessageStore struct {
	db    *gorm.DB
	cache *historyCache
}

func NewMessageStore(gdb *gorm.DB, cacheTTL time.Duration) *MessageStore {
	return &MessageStore{db: gdb, cache: newHistoryCache(cacheTTL)}
}

// Append persists one message. For replies it resolves the thread root from
// the parent, freezes a snapshot of the parent and bumps the parent's
// reply_count by one. Returns the wire-formatted message.
func (s *MessageStore) Append(ctx context.Context, in AppendInput) (*Wire, error) {
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		RoomID:      in.RoomID,
		UserEmail:   strings.ToLower(strings.TrimSpace(in.UserEmail)),
		DisplayName: in.DisplayName,
		Body:        in.Body,
		Type:        in.Type,
		CreatedAt:   time.Now().UTC(),
		Metadata:    in.Metadata,
		Mentions:    in.Mentions,
		Attachments: in.Attachments,
	}

	var parentID string
	if in.ReplyToID != "" {
		var parent models.Message
		err := s.db.WithContext(ctx).First(&parent, "id = ?", in.ReplyToID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Parent vanished between client render and send; store as a
			// plain message rather than failing the write.
		case err != nil:
			return nil, err
		default:
			topic := ResolveTopic(&parent)
			msg.TopicID = &topic
			body := parent.Body
			if len(body) > snapshotBodyMax {
				body = body[:snapshotBodyMax]
			}
			msg.ReplyTo = &models.ReplySnapshot{
				MessageID:   parent.ID,
				UserEmail:   parent.UserEmail,
				DisplayName: parent.DisplayName,
				Body:        body,
				CreatedAt:   parent.CreatedAt,
			}
			parentID = parent.ID
		}
	}

	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}

	if parentID != "" {
		if err := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("id = ?", parentID).
			UpdateColumn("reply_count", gorm.Expr("reply_count + 1")).Error; err != nil {
			log.Error().Err(err).Str("message_id", parentID).Msg("increment reply count")
		}
	}

	// Sender activity stats are best-effort bookkeeping.
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", msg.UserEmail).
		UpdateColumns(map[string]interface{}{
			"message_count":  gorm.Expr("message_count + 1"),
			"last_active_at": now,
		}).Error; err != nil {
		log.Warn().Err(err).Str("email", msg.UserEmail).Msg("update user stats")
	}

	s.cache.invalidate(msg.RoomID)

	w := formatMessage(&msg)
	return &w, nil
}

// Recent returns the most recent non-deleted messages for a room in
// chronological order. The store queries newest-first against the history
// index and reverses before returning. The default page is cached for a few
// seconds to absorb reconnect storms.
func (s *MessageStore) Recent(ctx context.Context, roomID string, limit, skip int) ([]Wire, error) {
	if limit <= 0 || limit > 200 {
		limit = DefaultHistoryLimit
	}
	if skip < 0 {
		skip = 0
	}
	cacheable := limit == DefaultHistoryLimit && skip == 0
	if cacheable {
		if page, ok := s.cache.get(roomID); ok {
			return page, nil
		}
	}

	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND deleted = ?", roomID, false).
		Order("created_at DESC").
		Limit(limit).
		Offset(skip).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	out := make([]Wire, 0, len(msgs))
	for i := range msgs {
		out = append(out, formatMessage(&msgs[i]))
	}
	if cacheable {
		s.cache.put(roomID, out)
	}
	return out, nil
}

// Edit updates a message body. Only the original author may edit, and only
// while the elapsed time does not strictly exceed the window.
func (s *MessageStore) Edit(ctx context.Context, id, newBody, author string, window time.Duration) (*Wire, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(msg.UserEmail, author) || msg.Deleted {
		return nil, ErrNotAuthorized
	}
	elapsed := time.Since(msg.CreatedAt)
	if elapsed > window {
		return nil, &WindowExpiredError{Elapsed: elapsed}
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"body":      newBody,
		"edited":    true,
		"edited_at": now,
	}
	if err := s.db.WithContext(ctx).Model(&msg).Updates(updates).Error; err != nil {
		return nil, err
	}
	msg.Body = newBody
	msg.Edited = true
	msg.EditedAt = &now

	s.cache.invalidate(msg.RoomID)
	w := formatMessage(&msg)
	return &w, nil
}

// Delete soft-deletes a message: the author must match and the message must
// not already be deleted. The body is replaced by a deletion marker.
func (s *MessageStore) Delete(ctx context.Context, id, author string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND user_email = ? AND deleted = ?", id, strings.ToLower(author), false).
		Updates(map[string]interface{}{"deleted": true, "body": deletedMarker})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		s.cache.invalidateAll()
	}
	return res.RowsAffected > 0, nil
}

// HardDelete removes the row and its reactions outright. Administrative only.
func (s *MessageStore) HardDelete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.cache.invalidateAll()
	}
	return deleted, nil
}

// React adds one (emoji, author) pair to a message's reaction set. Reacting
// twice with the same pair is a no-op; the unique index enforces the set.
func (s *MessageStore) React(ctx context.Context, id, author, emoji string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	r := models.Reaction{
		MessageID: id,
		UserEmail: strings.ToLower(author),
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Reactions lists the reaction set for one message.
func (s *MessageStore) Reactions(ctx context.Context, id string) ([]models.Reaction, error) {
	var out []models.Reaction
	err := s.db.WithContext(ctx).Where("message_id = ?", id).Order("created_at").Find(&out).Error
	return out, err
}

// PurgeOlderThan removes messages created more than the given number of days
// ago, optionally scoped to one room. Retention enforcement, not public API.
func (s *MessageStore) PurgeOlderThan(ctx context.Context, days int, roomID string) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	q := s.db.WithContext(ctx).Where("created_at < ?", cutoff)
	if roomID != "" {
		q = q.Where("room_id = ?", roomID)
	}
	res := q.Delete(&models.Message{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.cache.invalidateAll()
	}
	return res.RowsAffected, nil
}

// TrimRoom deletes all but the newest keep messages of a room.
func (s *MessageStore) TrimRoom(ctx context.Context, roomID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var keepIDs []string
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(keep).
		Pluck("id", &keepIDs).Error
	if err != nil {
		return 0, err
	}
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if len(keepIDs) > 0 {
		q = q.Where("id NOT IN ?", keepIDs)
	}
	res := q.Delete(&models.Message{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.cache.invalidate(roomID)
	}
	return res.RowsAffected, nil
}

// historyCache holds the default history page per room for a short TTL so a
// reconnect storm does not turn into one query per client.
type historyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]historyEntry
}

type historyEntry struct {
	page    []Wire
	expires time.Time
}

func newHistoryCache(ttl time.Duration) *historyCache {
	return &historyCache{ttl: ttl, entries: make(map[string]historyEntry)}
}

func (c *historyCache) get(roomID string) ([]Wire, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[roomID]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, roomID)
		return nil, false
	}
	return e.page, true
}

func (c *historyCache) put(roomID string, page []Wire) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[roomID] = historyEntry{page: page, expires: time.Now().Add(c.ttl)}
}

func (c *historyCache) invalidate(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, roomID)
}

func (c *historyCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]historyEntry)
}
