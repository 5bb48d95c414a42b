package directory

import (
	"context"
	"time"

	"e2ee-sdk/internal/domain"
)

// Client is the boundary to the directory/key server. All calls may fail
// transiently (wrapped domain.ErrTransient) or permanently; callers apply
// their own retry policy to transient failures only.
type Client interface {
	// Account / devices
	CreateAccount(ctx context.Context, req CreateAccountRequest) error
	AddDevice(ctx context.Context, userID string, dev DeviceRegistration) error
	RenewDevice(ctx context.Context, userID, deviceID string, pub []byte, expiresAt time.Time) error
	Device(ctx context.Context, deviceID string) (*DeviceInfo, error)
	ProvisioningStatus(ctx context.Context, deviceID string) (bool, error)
	UserDevices(ctx context.Context, userID string) ([]DeviceInfo, error)

	// Recipients
	RecipientKeys(ctx context.Context, ids []string) ([]Recipient, error)

	// Sessions
	CreateSession(ctx context.Context, req CreateSessionRequest) error
	FetchSession(ctx context.Context, sessionID, userID, deviceID string) (*SessionAccess, error)
	AddSessionRecipients(ctx context.Context, sessionID, callerUserID string, req SessionKeysRequest) error
	RevokeSessionRecipients(ctx context.Context, sessionID, callerUserID string, recipientIDs []string) error

	// Groups
	CreateGroup(ctx context.Context, req CreateGroupRequest) error
	Group(ctx context.Context, groupID, deviceID string) (*GroupInfo, error)
	AddGroupMembers(ctx context.Context, groupID, callerUserID string, membersToAdd, adminsToSet []string, wrappedPriv map[string][]byte) error
	RemoveGroupMembers(ctx context.Context, groupID, callerUserID string, membersToRemove []string) error
	RenewGroupKey(ctx context.Context, groupID, callerUserID string, bundle RenewGroupKeyBundle) error
	SetGroupAdmins(ctx context.Context, groupID, callerUserID string, addToAdmins, removeFromAdmins []string) error
	GroupSessions(ctx context.Context, groupID, callerUserID string) ([]WrappedSessionKey, error)

	// Reencryption
	DevicesMissingKeys(ctx context.Context, userID string) ([]domain.DeviceMissingKeys, error)
	MissingKeySessions(ctx context.Context, callerDeviceID, targetDeviceID string, batchSize int) ([]MissingKeySession, error)
	PushWrappedKeys(ctx context.Context, targetDeviceID string, keys []WrappedSessionKey) error

	// Connectors
	ResolveConnectors(ctx context.Context, pairs []domain.ConnectorTypeValue) ([]ResolvedConnector, error)
	AddConnector(ctx context.Context, userID string, typ domain.ConnectorType, value string, token *domain.PreValidationToken) (*domain.Connector, error)
	ValidateConnector(ctx context.Context, connectorID, challenge string) (*domain.Connector, error)
	RemoveConnector(ctx context.Context, connectorID string) (*domain.Connector, error)
	ListConnectors(ctx context.Context, userID string) ([]domain.Connector, error)
	RetrieveConnector(ctx context.Context, connectorID string) (*domain.Connector, error)
	ConnectorsForUser(ctx context.Context, userID string) ([]domain.Connector, error)

	// Misc
	PushJWT(ctx context.Context, token string) error
	Heartbeat(ctx context.Context) error
}
