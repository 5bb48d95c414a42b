package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"e2ee-sdk/internal/domain"
)

// HTTPClient implements Client against a directory server speaking the
// /api/v1 wire protocol. Transport failures and 5xx responses surface as
// domain.ErrTransient so callers' retry policies apply.
type HTTPClient struct {
	base string
	http *http.Client

	mu     sync.RWMutex
	bearer string
}

func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBearerToken installs the device bearer token used on authenticated
// calls. CreateAccount and AddDevice set it automatically from the server
// response.
func (c *HTTPClient) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearer = token
	c.mu.Unlock()
}

func (c *HTTPClient) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

type wireErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e wireErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&e)
		sentinel := ErrorFromWire(resp.StatusCode, e.Code)
		if e.Message != "" {
			return fmt.Errorf("%w: %s", sentinel, e.Message)
		}
		return sentinel
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Account / devices

func (c *HTTPClient) CreateAccount(ctx context.Context, req CreateAccountRequest) error {
	var resp CreateAccountResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/accounts", nil, req, &resp); err != nil {
		return err
	}
	c.SetBearerToken(resp.BearerToken)
	return nil
}

func (c *HTTPClient) AddDevice(ctx context.Context, userID string, dev DeviceRegistration) error {
	var resp AddDeviceResponse
	return c.do(ctx, http.MethodPost, "/api/v1/users/"+url.PathEscape(userID)+"/devices", nil, dev, &resp)
}

func (c *HTTPClient) RenewDevice(ctx context.Context, userID, deviceID string, pub []byte, expiresAt time.Time) error {
	path := "/api/v1/users/" + url.PathEscape(userID) + "/devices/" + url.PathEscape(deviceID)
	return c.do(ctx, http.MethodPut, path, nil, RenewDeviceRequest{Pub: pub, ExpiresAt: expiresAt}, nil)
}

func (c *HTTPClient) Device(ctx context.Context, deviceID string) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID)+"/", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) ProvisioningStatus(ctx context.Context, deviceID string) (bool, error) {
	var resp ProvisioningStatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID)+"/provisioning", nil, nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Provisioned, nil
}

func (c *HTTPClient) UserDevices(ctx context.Context, userID string) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/devices", nil, nil, &devices)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Recipients

func (c *HTTPClient) RecipientKeys(ctx context.Context, ids []string) ([]Recipient, error) {
	var recipients []Recipient
	err := c.do(ctx, http.MethodPost, "/api/v1/recipients/resolve", nil, ResolveRecipientsRequest{IDs: ids}, &recipients)
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

// Sessions

func (c *HTTPClient) CreateSession(ctx context.Context, req CreateSessionRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/", nil, req, nil)
}

func (c *HTTPClient) FetchSession(ctx context.Context, sessionID, userID, deviceID string) (*SessionAccess, error) {
	var access SessionAccess
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, nil, &access)
	if err != nil {
		return nil, err
	}
	return &access, nil
}

func (c *HTTPClient) AddSessionRecipients(ctx context.Context, sessionID, callerUserID string, req SessionKeysRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/recipients", nil, req, nil)
}

func (c *HTTPClient) RevokeSessionRecipients(ctx context.Context, sessionID, callerUserID string, recipientIDs []string) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/revoke"
	return c.do(ctx, http.MethodPost, path, nil, RevokeRecipientsRequest{Recipients: recipientIDs}, nil)
}

// Groups

func (c *HTTPClient) CreateGroup(ctx context.Context, req CreateGroupRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/groups/", nil, req, nil)
}

func (c *HTTPClient) Group(ctx context.Context, groupID, deviceID string) (*GroupInfo, error) {
	var info GroupInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/groups/"+url.PathEscape(groupID), nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) AddGroupMembers(ctx context.Context, groupID, callerUserID string, membersToAdd, adminsToSet []string, wrappedPriv map[string][]byte) error {
	path := "/api/v1/groups/" + url.PathEscape(groupID) + "/members"
	return c.do(ctx, http.MethodPost, path, nil, AddGroupMembersRequest{
		MembersToAdd: membersToAdd,
		AdminsToSet:  adminsToSet,
		WrappedPriv:  wrappedPriv,
	}, nil)
}

func (c *HTTPClient) RemoveGroupMembers(ctx context.Context, groupID, callerUserID string, membersToRemove []string) error {
	path := "/api/v1/groups/" + url.PathEscape(groupID) + "/members/remove"
	return c.do(ctx, http.MethodPost, path, nil, RemoveGroupMembersRequest{MembersToRemove: membersToRemove}, nil)
}

func (c *HTTPClient) RenewGroupKey(ctx context.Context, groupID, callerUserID string, bundle RenewGroupKeyBundle) error {
	return c.do(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(groupID)+"/renew", nil, bundle, nil)
}

func (c *HTTPClient) SetGroupAdmins(ctx context.Context, groupID, callerUserID string, addToAdmins, removeFromAdmins []string) error {
	path := "/api/v1/groups/" + url.PathEscape(groupID) + "/admins"
	return c.do(ctx, http.MethodPost, path, nil, SetGroupAdminsRequest{
		AddToAdmins:      addToAdmins,
		RemoveFromAdmins: removeFromAdmins,
	}, nil)
}

func (c *HTTPClient) GroupSessions(ctx context.Context, groupID, callerUserID string) ([]WrappedSessionKey, error) {
	var keys []WrappedSessionKey
	err := c.do(ctx, http.MethodGet, "/api/v1/groups/"+url.PathEscape(groupID)+"/sessions", nil, nil, &keys)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Reencryption

func (c *HTTPClient) DevicesMissingKeys(ctx context.Context, userID string) ([]domain.DeviceMissingKeys, error) {
	var missing []domain.DeviceMissingKeys
	err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/missing-keys", nil, nil, &missing)
	if err != nil {
		return nil, err
	}
	return missing, nil
}

func (c *HTTPClient) MissingKeySessions(ctx context.Context, callerDeviceID, targetDeviceID string, batchSize int) ([]MissingKeySession, error) {
	q := url.Values{"batch": []string{fmt.Sprint(batchSize)}}
	var sessions []MissingKeySession
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(targetDeviceID)+"/missing-sessions", q, nil, &sessions)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *HTTPClient) PushWrappedKeys(ctx context.Context, targetDeviceID string, keys []WrappedSessionKey) error {
	path := "/api/v1/devices/" + url.PathEscape(targetDeviceID) + "/keys"
	return c.do(ctx, http.MethodPost, path, nil, PushWrappedKeysRequest{Keys: keys}, nil)
}

// Connectors

func (c *HTTPClient) ResolveConnectors(ctx context.Context, pairs []domain.ConnectorTypeValue) ([]ResolvedConnector, error) {
	var resolved []ResolvedConnector
	err := c.do(ctx, http.MethodPost, "/api/v1/connectors/resolve", nil, ResolveConnectorsRequest{Pairs: pairs}, &resolved)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (c *HTTPClient) AddConnector(ctx context.Context, userID string, typ domain.ConnectorType, value string, token *domain.PreValidationToken) (*domain.Connector, error) {
	var conn domain.Connector
	err := c.do(ctx, http.MethodPost, "/api/v1/connectors/", nil, AddConnectorRequest{Type: typ, Value: value, Token: token}, &conn)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *HTTPClient) ValidateConnector(ctx context.Context, connectorID, challenge string) (*domain.Connector, error) {
	var conn domain.Connector
	path := "/api/v1/connectors/" + url.PathEscape(connectorID) + "/validate"
	if err := c.do(ctx, http.MethodPost, path, nil, ValidateConnectorRequest{Challenge: challenge}, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *HTTPClient) RemoveConnector(ctx context.Context, connectorID string) (*domain.Connector, error) {
	var conn domain.Connector
	if err := c.do(ctx, http.MethodDelete, "/api/v1/connectors/"+url.PathEscape(connectorID), nil, nil, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *HTTPClient) ListConnectors(ctx context.Context, userID string) ([]domain.Connector, error) {
	return c.userConnectors(ctx, userID)
}

func (c *HTTPClient) RetrieveConnector(ctx context.Context, connectorID string) (*domain.Connector, error) {
	var conn domain.Connector
	if err := c.do(ctx, http.MethodGet, "/api/v1/connectors/"+url.PathEscape(connectorID), nil, nil, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *HTTPClient) ConnectorsForUser(ctx context.Context, userID string) ([]domain.Connector, error) {
	return c.userConnectors(ctx, userID)
}

func (c *HTTPClient) userConnectors(ctx context.Context, userID string) ([]domain.Connector, error) {
	var conns []domain.Connector
	err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/connectors", nil, nil, &conns)
	if err != nil {
		return nil, err
	}
	return conns, nil
}

// Misc

func (c *HTTPClient) PushJWT(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jwt", nil, PushJWTRequest{Token: token}, nil)
}

func (c *HTTPClient) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil, nil)
}

var _ Client = (*HTTPClient)(nil)
