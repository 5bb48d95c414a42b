package service

import (
	"context"

	"e2ee-sdk/internal/domain"
)

// GetUserIdsFromConnectors resolves type-value pairs to user IDs, preserving
// pair order and without deduplicating. If any pair fails to resolve the
// resolved IDs are still returned alongside an *domain.UnknownConnectorError,
// so callers can choose to proceed with a partial recipient set.
func (s *SDK) GetUserIdsFromConnectors(ctx context.Context, pairs []domain.ConnectorTypeValue) ([]string, error) {
	if _, err := s.usableAccount(); err != nil {
		return nil, err
	}
	resolved, err := s.dir.ResolveConnectors(ctx, pairs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resolved))
	var unresolved []domain.ConnectorTypeValue
	for _, r := range resolved {
		if r.UserID == "" {
			unresolved = append(unresolved, domain.ConnectorTypeValue{
				Type:  domain.ConnectorType(r.Type),
				Value: r.Value,
			})
			continue
		}
		ids = append(ids, r.UserID)
	}
	if len(unresolved) > 0 {
		return ids, &domain.UnknownConnectorError{Unresolved: unresolved, Resolved: ids}
	}
	return ids, nil
}

// AddConnector attaches an external identifier to the current account. The
// connector starts in the pending state and does not resolve for lookups
// until validated; a pre-validation token skips the challenge round-trip.
func (s *SDK) AddConnector(ctx context.Context, typ domain.ConnectorType, value string, token *domain.PreValidationToken) (*domain.Connector, error) {
	account, err := s.usableAccount()
	if err != nil {
		return nil, err
	}
	conn, err := s.dir.AddConnector(ctx, account.userID, typ, value, token)
	if err != nil {
		return nil, err
	}
	if err := s.store.Connectors().Upsert(ctx, *conn); err != nil {
		s.log.Warn("connector cache update failed", "connector_id", conn.ID, "error", err)
	}
	s.log.Info("connector added", "connector_id", conn.ID, "type", conn.Type, "state", conn.State)
	return conn, nil
}

// ValidateConnector confirms a pending connector with the challenge sent to
// the external identifier.
func (s *SDK) ValidateConnector(ctx context.Context, connectorID, challenge string) (*domain.Connector, error) {
	if _, err := s.usableAccount(); err != nil {
		return nil, err
	}
	conn, err := s.dir.ValidateConnector(ctx, connectorID, challenge)
	if err != nil {
		return nil, err
	}
	if err := s.store.Connectors().Upsert(ctx, *conn); err != nil {
		s.log.Warn("connector cache update failed", "connector_id", conn.ID, "error", err)
	}
	return conn, nil
}

// RemoveConnector detaches a connector from the current account. The pair
// stops resolving immediately; sessions already shared through it keep their
// wrapped keys.
func (s *SDK) RemoveConnector(ctx context.Context, connectorID string) (*domain.Connector, error) {
	if _, err := s.usableAccount(); err != nil {
		return nil, err
	}
	conn, err := s.dir.RemoveConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Connectors().Delete(ctx, connectorID); err != nil {
		s.log.Warn("connector cache delete failed", "connector_id", connectorID, "error", err)
	}
	return conn, nil
}

// ListConnectors lists the current account's connectors, refreshing the
// local cache as a side effect.
func (s *SDK) ListConnectors(ctx context.Context) ([]domain.Connector, error) {
	account, err := s.usableAccount()
	if err != nil {
		return nil, err
	}
	conns, err := s.dir.ListConnectors(ctx, account.userID)
	if err != nil {
		return nil, err
	}
	s.cacheConnectors(ctx, conns)
	return conns, nil
}

// RetrieveConnector fetches a single connector by ID.
func (s *SDK) RetrieveConnector(ctx context.Context, connectorID string) (*domain.Connector, error) {
	if _, err := s.usableAccount(); err != nil {
		return nil, err
	}
	conn, err := s.dir.RetrieveConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Connectors().Upsert(ctx, *conn); err != nil {
		s.log.Warn("connector cache update failed", "connector_id", conn.ID, "error", err)
	}
	return conn, nil
}

// GetConnectorsFromUserId lists the validated connectors of any user.
func (s *SDK) GetConnectorsFromUserId(ctx context.Context, userID string) ([]domain.Connector, error) {
	if _, err := s.usableAccount(); err != nil {
		return nil, err
	}
	conns, err := s.dir.ConnectorsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheConnectors(ctx, conns)
	return conns, nil
}

func (s *SDK) cacheConnectors(ctx context.Context, conns []domain.Connector) {
	for _, conn := range conns {
		if err := s.store.Connectors().Upsert(ctx, conn); err != nil {
			s.log.Warn("connector cache update failed", "connector_id", conn.ID, "error", err)
			return
		}
	}
}
