package directory

import (
	"errors"
	"net/http"
	"time"

	"e2ee-sdk/internal/domain"
)

// Wire error codes shared by the HTTP server and client so sentinel errors
// survive the round-trip.
const (
	CodeAccountAlreadyExists  = "account_already_exists"
	CodeNoAccount             = "no_account"
	CodeSessionNotFound       = "session_not_found"
	CodeAccessDenied          = "access_denied"
	CodeSessionRevoked        = "session_revoked"
	CodeInvalidRecipientSet   = "invalid_recipient_set"
	CodeGroupNotFound         = "group_not_found"
	CodeNotGroupAdmin         = "not_group_admin"
	CodeInvalidAdminSet       = "invalid_admin_set"
	CodeCannotRemoveLastAdmin = "cannot_remove_last_admin"
	CodeConnectorNotFound     = "connector_not_found"
	CodeDeviceNotProvisioned  = "device_not_provisioned"
	CodeTransient             = "transient"
	CodeBadRequest            = "bad_request"
	CodeUnauthorized          = "unauthorized"
	CodeInternal              = "internal"
)

var wireCodes = []struct {
	err    error
	code   string
	status int
}{
	{domain.ErrAccountAlreadyExists, CodeAccountAlreadyExists, http.StatusConflict},
	{domain.ErrNoAccount, CodeNoAccount, http.StatusNotFound},
	{domain.ErrSessionNotFound, CodeSessionNotFound, http.StatusNotFound},
	{domain.ErrSessionRevoked, CodeSessionRevoked, http.StatusForbidden},
	{domain.ErrAccessDenied, CodeAccessDenied, http.StatusForbidden},
	{domain.ErrInvalidRecipientSet, CodeInvalidRecipientSet, http.StatusBadRequest},
	{domain.ErrGroupNotFound, CodeGroupNotFound, http.StatusNotFound},
	{domain.ErrNotGroupAdmin, CodeNotGroupAdmin, http.StatusForbidden},
	{domain.ErrInvalidAdminSet, CodeInvalidAdminSet, http.StatusBadRequest},
	{domain.ErrCannotRemoveLastAdmin, CodeCannotRemoveLastAdmin, http.StatusConflict},
	{domain.ErrConnectorNotFound, CodeConnectorNotFound, http.StatusNotFound},
	{domain.ErrDeviceNotProvisioned, CodeDeviceNotProvisioned, http.StatusConflict},
	{domain.ErrTransient, CodeTransient, http.StatusServiceUnavailable},
}

// WireError maps an error to its HTTP status and wire code. Unmapped errors
// become 500/internal.
func WireError(err error) (status int, code string) {
	for _, w := range wireCodes {
		if errors.Is(err, w.err) {
			return w.status, w.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorFromWire maps a wire code back to its sentinel. Unknown codes and 5xx
// responses are treated as transient so callers retry them.
func ErrorFromWire(status int, code string) error {
	for _, w := range wireCodes {
		if w.code == code {
			return w.err
		}
	}
	if status >= http.StatusInternalServerError {
		return domain.ErrTransient
	}
	return domain.ErrAccessDenied
}

// Request bodies for operations whose interface arguments are not already
// struct-shaped.

type RenewDeviceRequest struct {
	Pub       []byte    `json:"pub"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ProvisioningStatusResponse struct {
	Provisioned bool `json:"provisioned"`
}

type ResolveRecipientsRequest struct {
	IDs []string `json:"ids"`
}

type RevokeRecipientsRequest struct {
	Recipients []string `json:"recipients"`
}

type AddGroupMembersRequest struct {
	MembersToAdd []string          `json:"membersToAdd"`
	AdminsToSet  []string          `json:"adminsToSet"`
	WrappedPriv  map[string][]byte `json:"wrappedPriv"`
}

type RemoveGroupMembersRequest struct {
	MembersToRemove []string `json:"membersToRemove"`
}

type SetGroupAdminsRequest struct {
	AddToAdmins      []string `json:"addToAdmins"`
	RemoveFromAdmins []string `json:"removeFromAdmins"`
}

type PushWrappedKeysRequest struct {
	Keys []WrappedSessionKey `json:"keys"`
}

type ResolveConnectorsRequest struct {
	Pairs []domain.ConnectorTypeValue `json:"pairs"`
}

type AddConnectorRequest struct {
	Type  domain.ConnectorType       `json:"type"`
	Value string                     `json:"value"`
	Token *domain.PreValidationToken `json:"token,omitempty"`
}

type ValidateConnectorRequest struct {
	Challenge string `json:"challenge"`
}

type PushJWTRequest struct {
	Token string `json:"token"`
}

// CreateAccountResponse returns a bearer token for the new device alongside
// the acknowledgement, so clients can authenticate follow-up calls.
type CreateAccountResponse struct {
	BearerToken string `json:"bearerToken"`
}

type AddDeviceResponse struct {
	BearerToken string `json:"bearerToken"`
}
