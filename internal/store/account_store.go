package store

import (
	"context"
	"time"

	"e2ee-sdk/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRecord is the locally persisted account: the current user, the
// current device and its private key material. One row per local database.
type AccountRecord struct {
	UserID      string    `gorm:"type:uuid;primaryKey"`
	DeviceID    string    `gorm:"type:uuid;not null"`
	DisplayName string    `gorm:"type:text;not null"`
	DeviceName  string    `gorm:"type:text;not null"`
	PrivateKey  []byte    `gorm:"type:blob;not null"`
	ExpiresAt   time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (AccountRecord) TableName() string { return "account" }

type AccountStore struct{ db *gorm.DB }

func (s *Store) Accounts() *AccountStore { return &AccountStore{db: s.DB} }

func (a *AccountStore) Load(ctx context.Context) (*AccountRecord, error) {
	var rec AccountRecord
	if err := a.db.WithContext(ctx).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (a *AccountStore) Save(ctx context.Context, rec AccountRecord) error {
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"device_id":   rec.DeviceID,
				"device_name": rec.DeviceName,
				"private_key": rec.PrivateKey,
				"expires_at":  rec.ExpiresAt,
				"updated_at":  time.Now().UTC(),
			}),
		}).
		Create(&rec).Error
}

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Upsert(ctx context.Context, device domain.Device) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"name":       device.Name,
				"expires_at": device.ExpiresAt,
				"revoked_at": device.RevokedAt,
			}),
		}).
		Create(&device).Error
}

func (d *DeviceStore) ListForUser(ctx context.Context, userID string) ([]domain.Device, error) {
	var devices []domain.Device
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}
