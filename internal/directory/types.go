package directory

import "time"

// DeviceRegistration is the public half of a newly created device.
type DeviceRegistration struct {
	DeviceID  string    `json:"deviceId"`
	Name      string    `json:"name"`
	Pub       []byte    `json:"pub"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CreateAccountRequest struct {
	SignupJWT   string             `json:"signupJwt"`
	UserID      string             `json:"userId"`
	DisplayName string             `json:"displayName"`
	Device      DeviceRegistration `json:"device"`
}

// DeviceInfo is the directory's view of a device.
type DeviceInfo struct {
	DeviceID    string    `json:"deviceId"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Pub         []byte    `json:"pub"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Provisioned bool      `json:"provisioned"`
	Revoked     bool      `json:"revoked"`
}

// Recipient is a resolved session recipient: either a user with its current
// non-revoked devices, or a group with its current public key.
type Recipient struct {
	ID       string       `json:"id"`
	IsGroup  bool         `json:"isGroup"`
	Devices  []DeviceInfo `json:"devices,omitempty"`
	GroupPub []byte       `json:"groupPub,omitempty"`
}

// SessionKeysRequest carries the wrapped content-key copies for a set of
// recipients: one copy per user device, one per group.
type SessionKeysRequest struct {
	Recipients []string          `json:"recipients"`
	DeviceKeys map[string][]byte `json:"deviceKeys"`
	GroupKeys  map[string][]byte `json:"groupKeys"`
}

type CreateSessionRequest struct {
	SessionID   string `json:"sessionId"`
	OwnerUserID string `json:"ownerUserId"`
	SessionKeysRequest
}

// SessionAccess is the directory's answer to a session fetch for a given
// device: either a direct wrapped copy, or one reachable through a group the
// device holds the key of.
type SessionAccess struct {
	SessionID       string   `json:"sessionId"`
	Recipients      []string `json:"recipients"`
	Wrapped         []byte   `json:"wrapped,omitempty"`
	ViaGroup        string   `json:"viaGroup,omitempty"`
	WrappedGroupKey []byte   `json:"wrappedGroupKey,omitempty"`
}

type CreateGroupRequest struct {
	GroupID     string            `json:"groupId"`
	Name        string            `json:"name"`
	CreatedBy   string            `json:"createdBy"`
	Members     []string          `json:"members"`
	Admins      []string          `json:"admins"`
	Pub         []byte            `json:"pub"`
	WrappedPriv map[string][]byte `json:"wrappedPriv"`
}

// GroupInfo is the directory's view of a group. WrappedPrivForCaller is the
// group private key wrapped for the requesting device, when that device holds
// a copy for the current epoch.
type GroupInfo struct {
	GroupID              string   `json:"groupId"`
	Name                 string   `json:"name"`
	Members              []string `json:"members"`
	Admins               []string `json:"admins"`
	Epoch                int      `json:"epoch"`
	Pub                  []byte   `json:"pub"`
	WrappedPrivForCaller []byte   `json:"wrappedPrivForCaller,omitempty"`
}

// RenewGroupKeyBundle is applied atomically: the epoch bump, the rewrapped
// group private key for every current member device, and the rewrapped
// content-key copy of every session scoped to the group. FromEpoch guards
// against concurrent renewals.
type RenewGroupKeyBundle struct {
	FromEpoch   int               `json:"fromEpoch"`
	NewPub      []byte            `json:"newPub"`
	WrappedPriv map[string][]byte `json:"wrappedPriv"`
	SessionKeys map[string][]byte `json:"sessionKeys"`
}

// MissingKeySession is a session the target device is missing a wrapped copy
// of, together with the copy wrapped for the calling device so it can be
// unwrapped and rewrapped.
type MissingKeySession struct {
	SessionID        string `json:"sessionId"`
	WrappedForCaller []byte `json:"wrappedForCaller"`
}

type WrappedSessionKey struct {
	SessionID string `json:"sessionId"`
	Wrapped   []byte `json:"wrapped"`
}

// ResolvedConnector is the outcome of resolving a single type-value pair.
// UserID is empty when the pair did not resolve.
type ResolvedConnector struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	UserID string `json:"userId,omitempty"`
}
