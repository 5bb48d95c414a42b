package store

import (
	"context"

	"e2ee-sdk/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectorStore is the local connector cache, refreshed on directory reads.
type ConnectorStore struct{ db *gorm.DB }

func (s *Store) Connectors() *ConnectorStore { return &ConnectorStore{db: s.DB} }

func (c *ConnectorStore) Upsert(ctx context.Context, conn domain.Connector) error {
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"user_id": conn.UserID,
				"type":    conn.Type,
				"value":   conn.Value,
				"state":   conn.State,
			}),
		}).
		Create(&conn).Error
}

func (c *ConnectorStore) Delete(ctx context.Context, connectorID string) error {
	return c.db.WithContext(ctx).Where("id = ?", connectorID).Delete(&domain.Connector{}).Error
}

func (c *ConnectorStore) Get(ctx context.Context, connectorID string) (*domain.Connector, error) {
	var conn domain.Connector
	if err := c.db.WithContext(ctx).First(&conn, "id = ?", connectorID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func (c *ConnectorStore) ListForUser(ctx context.Context, userID string) ([]domain.Connector, error) {
	var conns []domain.Connector
	if err := c.db.WithContext(ctx).Where("user_id = ?", userID).Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// FindByPair looks up a validated cached connector by its type-value pair.
func (c *ConnectorStore) FindByPair(ctx context.Context, typ domain.ConnectorType, value string) (*domain.Connector, error) {
	var conn domain.Connector
	err := c.db.WithContext(ctx).
		Where("type = ? AND value = ? AND state = ?", typ, value, domain.ConnectorStateValidated).
		First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &conn, nil
}
