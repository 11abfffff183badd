package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

// PresenceTracker is the durable, cross-process source of truth for who is
// online in which room. All writes are upserts keyed (room, email), so two
// processes marking the same pair concurrently still converge on one row.
type PresenceTracker struct {
	db *gorm.DB
}

func NewPresenceTracker(gdb *gorm.DB) *PresenceTracker {
	return &PresenceTracker{db: gdb}
}

// Mark upserts the presence record for (room, email). FirstSeen is only
// written on the initial insert; the conflict path leaves it untouched.
func (p *PresenceTracker) Mark(ctx context.Context, roomID, email, displayName string, online bool) error {
	now := time.Now().UTC()
	rec := models.Presence{
		RoomID:      roomID,
		UserEmail:   strings.ToLower(strings.TrimSpace(email)),
		DisplayName: displayName,
		Online:      online,
		FirstSeen:   now,
		LastSeen:    now,
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "user_email"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"display_name": displayName,
			"online":       online,
			"last_seen":    now,
		}),
	}).Create(&rec).Error
}

// Count returns how many identities are currently online in one room.
func (p *PresenceTracker) Count(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&models.Presence{}).
		Where("room_id = ? AND online = ?", roomID, true).
		Count(&n).Error
	return n, err
}

// CountsByRoom produces the online count for every room in a single grouped
// query. Dashboards read presence through this, never per-room.
func (p *PresenceTracker) CountsByRoom(ctx context.Context) (map[string]int64, error) {
	type row struct {
		RoomID string
		N      int64
	}
	var rows []row
	err := p.db.WithContext(ctx).Model(&models.Presence{}).
		Select("room_id, COUNT(*) AS n").
		Where("online = ?", true).
		Group("room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.RoomID] = r.N
	}
	return out, nil
}
