package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAccountAlreadyExists  = errors.New("account already exists")
	ErrNoAccount             = errors.New("no account for this instance")
	ErrDeviceExpired         = errors.New("device key expired")
	ErrDeviceNotProvisioned  = errors.New("device not provisioned")
	ErrSessionNotFound       = errors.New("session not found")
	ErrAccessDenied          = errors.New("access denied")
	ErrSessionRevoked        = errors.New("session revoked")
	ErrInvalidRecipientSet   = errors.New("invalid recipient set")
	ErrGroupNotFound         = errors.New("group not found")
	ErrNotGroupAdmin         = errors.New("not a group admin")
	ErrInvalidAdminSet       = errors.New("invalid admin set")
	ErrCannotRemoveLastAdmin = errors.New("cannot remove last admin")
	ErrUnknownConnector      = errors.New("unknown connector")
	ErrConnectorNotFound     = errors.New("connector not found")
	ErrDecryptionFailed      = errors.New("decryption failed")
	ErrMalformedCiphertext   = errors.New("malformed ciphertext")
	ErrTransient             = errors.New("transient network error")
)

// UnknownConnectorError reports the connector pairs that could not be
// resolved, alongside the user IDs that did resolve. Callers decide whether
// partial resolution is acceptable.
type UnknownConnectorError struct {
	Unresolved []ConnectorTypeValue
	Resolved   []string
}

func (e *UnknownConnectorError) Error() string {
	pairs := make([]string, 0, len(e.Unresolved))
	for _, p := range e.Unresolved {
		pairs = append(pairs, fmt.Sprintf("%s:%s", p.Type, p.Value))
	}
	return fmt.Sprintf("unknown connector: %s", strings.Join(pairs, ", "))
}

func (e *UnknownConnectorError) Is(target error) bool { return target == ErrUnknownConnector }
