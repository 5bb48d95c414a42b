package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionCacheRecord is a persisted session-cache entry, reloaded at
// instance startup so a warm cache survives restarts.
type SessionCacheRecord struct {
	SessionID  string    `gorm:"type:uuid;primaryKey"`
	ContentKey []byte    `gorm:"type:blob;not null"`
	Recipients string    `gorm:"type:text;not null"`
	CachedAt   time.Time `gorm:"not null"`
}

func (SessionCacheRecord) TableName() string { return "session_cache" }

type SessionCacheStore struct{ db *gorm.DB }

func (s *Store) SessionCache() *SessionCacheStore { return &SessionCacheStore{db: s.DB} }

func (c *SessionCacheStore) Save(ctx context.Context, rec SessionCacheRecord) error {
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"content_key": rec.ContentKey,
				"recipients":  rec.Recipients,
				"cached_at":   rec.CachedAt,
			}),
		}).
		Create(&rec).Error
}

func (c *SessionCacheStore) Delete(ctx context.Context, sessionID string) error {
	return c.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&SessionCacheRecord{}).Error
}

func (c *SessionCacheStore) LoadAll(ctx context.Context) ([]SessionCacheRecord, error) {
	var recs []SessionCacheRecord
	if err := c.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *SessionCacheStore) Clear(ctx context.Context) error {
	return c.db.WithContext(ctx).Where("1 = 1").Delete(&SessionCacheRecord{}).Error
}
