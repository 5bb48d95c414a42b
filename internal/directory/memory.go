package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"e2ee-sdk/internal/domain"

	"github.com/google/uuid"
)

// Memory is an in-memory directory, the authoritative server-side state used
// by the devserver and by tests. All mutations happen under a single lock, so
// compound operations like group key renewal are atomic.
type Memory struct {
	mu sync.RWMutex

	users      map[string]*memUser
	devices    map[string]*memDevice
	groups     map[string]*memGroup
	sessions   map[string]*memSession
	connectors map[string]*domain.Connector

	// ProvisioningDelay delays the moment a newly registered device becomes
	// provisioned. Zero means devices are provisioned immediately.
	ProvisioningDelay time.Duration

	now func() time.Time

	failMu    sync.Mutex
	failures  map[string]int
	failureFn func(op string) error
}

type memUser struct {
	id          string
	displayName string
	devices     []string
}

type memDevice struct {
	DeviceInfo
	provisionedAt time.Time
}

type memGroup struct {
	id      string
	name    string
	members map[string]bool
	admins  map[string]bool
	epoch   int
	pub     []byte
	// group private key wrapped per device, for the current epoch only;
	// copies from before a renewal are dropped by the renewal itself
	wrappedPriv map[string][]byte
}

type memSession struct {
	id         string
	owner      string
	recipients map[string]bool
	deviceKeys map[string][]byte
	groupKeys  map[string][]byte
	// recipients that were explicitly revoked, so a fetch can distinguish
	// "never had access" from "access was revoked"
	revoked map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]*memUser),
		devices:    make(map[string]*memDevice),
		groups:     make(map[string]*memGroup),
		sessions:   make(map[string]*memSession),
		connectors: make(map[string]*domain.Connector),
		now:        time.Now,
		failures:   make(map[string]int),
	}
}

// FailNext makes the next n calls of the named operation fail with a
// transient error. Used by tests to exercise retry budgets.
func (m *Memory) FailNext(op string, n int) {
	m.failMu.Lock()
	m.failures[op] += n
	m.failMu.Unlock()
}

// SetClock overrides the directory clock, for provisioning-delay tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) injected(op string) error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if m.failures[op] > 0 {
		m.failures[op]--
		return fmt.Errorf("%w: injected failure for %s", domain.ErrTransient, op)
	}
	return nil
}

func (m *Memory) CreateAccount(_ context.Context, req CreateAccountRequest) error {
	if err := m.injected("CreateAccount"); err != nil {
		return err
	}
	if req.SignupJWT == "" {
		return fmt.Errorf("directory: missing signup JWT")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[req.UserID]; ok {
		return domain.ErrAccountAlreadyExists
	}
	m.users[req.UserID] = &memUser{id: req.UserID, displayName: req.DisplayName}
	m.addDeviceLocked(req.UserID, req.Device)
	return nil
}

func (m *Memory) AddDevice(_ context.Context, userID string, dev DeviceRegistration) error {
	if err := m.injected("AddDevice"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return domain.ErrNoAccount
	}
	m.addDeviceLocked(userID, dev)
	return nil
}

func (m *Memory) addDeviceLocked(userID string, dev DeviceRegistration) {
	now := m.now()
	d := &memDevice{
		DeviceInfo: DeviceInfo{
			DeviceID:  dev.DeviceID,
			UserID:    userID,
			Name:      dev.Name,
			Pub:       append([]byte(nil), dev.Pub...),
			CreatedAt: now,
			ExpiresAt: dev.ExpiresAt,
		},
		provisionedAt: now.Add(m.ProvisioningDelay),
	}
	m.devices[dev.DeviceID] = d
	u := m.users[userID]
	u.devices = append(u.devices, dev.DeviceID)
}

func (m *Memory) RenewDevice(_ context.Context, userID, deviceID string, pub []byte, expiresAt time.Time) error {
	if err := m.injected("RenewDevice"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UserID != userID {
		return domain.ErrNoAccount
	}
	d.Pub = append([]byte(nil), pub...)
	d.ExpiresAt = expiresAt
	return nil
}

func (m *Memory) Device(_ context.Context, deviceID string) (*DeviceInfo, error) {
	if err := m.injected("Device"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, domain.ErrNoAccount
	}
	info := d.DeviceInfo
	info.Provisioned = !m.now().Before(d.provisionedAt)
	return &info, nil
}

func (m *Memory) ProvisioningStatus(ctx context.Context, deviceID string) (bool, error) {
	if err := m.injected("ProvisioningStatus"); err != nil {
		return false, err
	}
	d, err := m.Device(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return d.Provisioned, nil
}

func (m *Memory) UserDevices(_ context.Context, userID string) ([]DeviceInfo, error) {
	if err := m.injected("UserDevices"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, domain.ErrNoAccount
	}
	out := make([]DeviceInfo, 0, len(u.devices))
	for _, id := range u.devices {
		d := m.devices[id]
		if d.Revoked {
			continue
		}
		info := d.DeviceInfo
		info.Provisioned = !m.now().Before(d.provisionedAt)
		out = append(out, info)
	}
	return out, nil
}

func (m *Memory) RecipientKeys(_ context.Context, ids []string) ([]Recipient, error) {
	if err := m.injected("RecipientKeys"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			r := Recipient{ID: id}
			for _, devID := range u.devices {
				d := m.devices[devID]
				if d.Revoked {
					continue
				}
				r.Devices = append(r.Devices, d.DeviceInfo)
			}
			out = append(out, r)
			continue
		}
		if g, ok := m.groups[id]; ok {
			out = append(out, Recipient{ID: id, IsGroup: true, GroupPub: append([]byte(nil), g.pub...)})
			continue
		}
		return nil, fmt.Errorf("%w: unknown recipient %s", domain.ErrInvalidRecipientSet, id)
	}
	return out, nil
}

func (m *Memory) CreateSession(_ context.Context, req CreateSessionRequest) error {
	if err := m.injected("CreateSession"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSession{
		id:         req.SessionID,
		owner:      req.OwnerUserID,
		recipients: make(map[string]bool),
		deviceKeys: make(map[string][]byte),
		groupKeys:  make(map[string][]byte),
		revoked:    make(map[string]bool),
	}
	for _, r := range req.Recipients {
		s.recipients[r] = true
	}
	for devID, k := range req.DeviceKeys {
		s.deviceKeys[devID] = append([]byte(nil), k...)
	}
	for gID, k := range req.GroupKeys {
		s.groupKeys[gID] = append([]byte(nil), k...)
	}
	m.sessions[req.SessionID] = s
	return nil
}

func (m *Memory) FetchSession(_ context.Context, sessionID, userID, deviceID string) (*SessionAccess, error) {
	if err := m.injected("FetchSession"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	access := &SessionAccess{SessionID: sessionID, Recipients: recipientList(s)}
	if wrapped, ok := s.deviceKeys[deviceID]; ok && s.recipients[userID] {
		access.Wrapped = append([]byte(nil), wrapped...)
		return access, nil
	}
	// Group path: access is keyed on holding a current-epoch group key copy,
	// not on membership, so removed members keep access until key renewal.
	for gID := range s.groupKeys {
		g := m.groups[gID]
		if g == nil {
			continue
		}
		if wrapped, ok := g.wrappedPriv[deviceID]; ok {
			access.ViaGroup = gID
			access.WrappedGroupKey = append([]byte(nil), wrapped...)
			access.Wrapped = append([]byte(nil), s.groupKeys[gID]...)
			return access, nil
		}
	}
	if len(s.recipients) == 0 || s.revoked[userID] {
		return nil, domain.ErrSessionRevoked
	}
	for gID := range s.revoked {
		if g, ok := m.groups[gID]; ok && g.members[userID] {
			return nil, domain.ErrSessionRevoked
		}
	}
	return nil, domain.ErrAccessDenied
}

func recipientList(s *memSession) []string {
	out := make([]string, 0, len(s.recipients))
	for r := range s.recipients {
		out = append(out, r)
	}
	return out
}

func (m *Memory) AddSessionRecipients(_ context.Context, sessionID, callerUserID string, req SessionKeysRequest) error {
	if err := m.injected("AddSessionRecipients"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !s.recipients[callerUserID] {
		return domain.ErrAccessDenied
	}
	for _, r := range req.Recipients {
		s.recipients[r] = true
		delete(s.revoked, r)
	}
	for devID, k := range req.DeviceKeys {
		s.deviceKeys[devID] = append([]byte(nil), k...)
	}
	for gID, k := range req.GroupKeys {
		s.groupKeys[gID] = append([]byte(nil), k...)
	}
	return nil
}

func (m *Memory) RevokeSessionRecipients(_ context.Context, sessionID, callerUserID string, recipientIDs []string) error {
	if err := m.injected("RevokeSessionRecipients"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !s.recipients[callerUserID] {
		return domain.ErrAccessDenied
	}
	for _, id := range recipientIDs {
		if !s.recipients[id] {
			continue
		}
		delete(s.recipients, id)
		delete(s.groupKeys, id)
		s.revoked[id] = true
		if u, ok := m.users[id]; ok {
			for _, devID := range u.devices {
				delete(s.deviceKeys, devID)
			}
		}
	}
	return nil
}

func (m *Memory) CreateGroup(_ context.Context, req CreateGroupRequest) error {
	if err := m.injected("CreateGroup"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g := &memGroup{
		id:          req.GroupID,
		name:        req.Name,
		members:     make(map[string]bool),
		admins:      make(map[string]bool),
		epoch:       1,
		pub:         append([]byte(nil), req.Pub...),
		wrappedPriv: make(map[string][]byte),
	}
	for _, id := range req.Members {
		g.members[id] = true
	}
	for _, id := range req.Admins {
		g.admins[id] = true
	}
	for devID, k := range req.WrappedPriv {
		g.wrappedPriv[devID] = append([]byte(nil), k...)
	}
	m.groups[req.GroupID] = g
	return nil
}

func (m *Memory) Group(_ context.Context, groupID, deviceID string) (*GroupInfo, error) {
	if err := m.injected("Group"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	info := &GroupInfo{
		GroupID: g.id,
		Name:    g.name,
		Members: setToList(g.members),
		Admins:  setToList(g.admins),
		Epoch:   g.epoch,
		Pub:     append([]byte(nil), g.pub...),
	}
	if wrapped, ok := g.wrappedPriv[deviceID]; ok {
		info.WrappedPrivForCaller = append([]byte(nil), wrapped...)
	}
	return info, nil
}

func setToList(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func (m *Memory) AddGroupMembers(_ context.Context, groupID, callerUserID string, membersToAdd, adminsToSet []string, wrappedPriv map[string][]byte) error {
	if err := m.injected("AddGroupMembers"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return domain.ErrGroupNotFound
	}
	if !g.admins[callerUserID] {
		return domain.ErrNotGroupAdmin
	}
	for _, id := range membersToAdd {
		g.members[id] = true
	}
	for _, id := range adminsToSet {
		if !g.members[id] {
			return domain.ErrInvalidAdminSet
		}
		g.admins[id] = true
	}
	for devID, k := range wrappedPriv {
		g.wrappedPriv[devID] = append([]byte(nil), k...)
	}
	return nil
}

func (m *Memory) RemoveGroupMembers(_ context.Context, groupID, callerUserID string, membersToRemove []string) error {
	if err := m.injected("RemoveGroupMembers"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return domain.ErrGroupNotFound
	}
	if !g.admins[callerUserID] {
		return domain.ErrNotGroupAdmin
	}
	remaining := make(map[string]bool, len(g.admins))
	for id := range g.admins {
		remaining[id] = true
	}
	for _, id := range membersToRemove {
		delete(remaining, id)
	}
	if len(remaining) == 0 {
		return domain.ErrCannotRemoveLastAdmin
	}
	// Membership only. Wrapped key copies stay until the key is renewed,
	// which is the prescribed remove-then-renew transition.
	for _, id := range membersToRemove {
		delete(g.members, id)
		delete(g.admins, id)
	}
	return nil
}

func (m *Memory) RenewGroupKey(_ context.Context, groupID, callerUserID string, bundle RenewGroupKeyBundle) error {
	if err := m.injected("RenewGroupKey"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return domain.ErrGroupNotFound
	}
	if !g.admins[callerUserID] {
		return domain.ErrNotGroupAdmin
	}
	if g.epoch != bundle.FromEpoch {
		return fmt.Errorf("%w: group key renewed concurrently", domain.ErrTransient)
	}
	g.epoch++
	g.pub = append([]byte(nil), bundle.NewPub...)
	g.wrappedPriv = make(map[string][]byte, len(bundle.WrappedPriv))
	for devID, k := range bundle.WrappedPriv {
		g.wrappedPriv[devID] = append([]byte(nil), k...)
	}
	for sessID, k := range bundle.SessionKeys {
		if s, ok := m.sessions[sessID]; ok {
			s.groupKeys[groupID] = append([]byte(nil), k...)
		}
	}
	return nil
}

func (m *Memory) SetGroupAdmins(_ context.Context, groupID, callerUserID string, addToAdmins, removeFromAdmins []string) error {
	if err := m.injected("SetGroupAdmins"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return domain.ErrGroupNotFound
	}
	if !g.admins[callerUserID] {
		return domain.ErrNotGroupAdmin
	}
	next := make(map[string]bool, len(g.admins))
	for id := range g.admins {
		next[id] = true
	}
	for _, id := range addToAdmins {
		if !g.members[id] {
			return domain.ErrInvalidAdminSet
		}
		next[id] = true
	}
	for _, id := range removeFromAdmins {
		delete(next, id)
	}
	if len(next) == 0 {
		return domain.ErrCannotRemoveLastAdmin
	}
	g.admins = next
	return nil
}

func (m *Memory) GroupSessions(_ context.Context, groupID, callerUserID string) ([]WrappedSessionKey, error) {
	if err := m.injected("GroupSessions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	if !g.admins[callerUserID] {
		return nil, domain.ErrNotGroupAdmin
	}
	var out []WrappedSessionKey
	for _, s := range m.sessions {
		if wrapped, ok := s.groupKeys[groupID]; ok {
			out = append(out, WrappedSessionKey{SessionID: s.id, Wrapped: append([]byte(nil), wrapped...)})
		}
	}
	return out, nil
}

func (m *Memory) DevicesMissingKeys(_ context.Context, userID string) ([]domain.DeviceMissingKeys, error) {
	if err := m.injected("DevicesMissingKeys"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, domain.ErrNoAccount
	}
	var out []domain.DeviceMissingKeys
	for _, devID := range u.devices {
		d := m.devices[devID]
		if d.Revoked {
			continue
		}
		count := 0
		// Unprovisioned devices under-report: their key fan-out is still in
		// flight server-side.
		if !m.now().Before(d.provisionedAt) {
			count = m.missingCountLocked(userID, devID)
		}
		if count > 0 {
			out = append(out, domain.DeviceMissingKeys{DeviceID: devID, Count: count})
		}
	}
	return out, nil
}

func (m *Memory) missingCountLocked(userID, deviceID string) int {
	count := 0
	for _, s := range m.sessions {
		if !s.recipients[userID] {
			continue
		}
		if _, ok := s.deviceKeys[deviceID]; !ok {
			count++
		}
	}
	return count
}

func (m *Memory) MissingKeySessions(_ context.Context, callerDeviceID, targetDeviceID string, batchSize int) ([]MissingKeySession, error) {
	if err := m.injected("MissingKeySessions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.devices[targetDeviceID]
	if !ok {
		return nil, domain.ErrNoAccount
	}
	if m.now().Before(target.provisionedAt) {
		return nil, domain.ErrDeviceNotProvisioned
	}
	var out []MissingKeySession
	for _, s := range m.sessions {
		if len(out) >= batchSize {
			break
		}
		if !s.recipients[target.UserID] {
			continue
		}
		if _, ok := s.deviceKeys[targetDeviceID]; ok {
			continue
		}
		wrapped, ok := s.deviceKeys[callerDeviceID]
		if !ok {
			continue
		}
		out = append(out, MissingKeySession{SessionID: s.id, WrappedForCaller: append([]byte(nil), wrapped...)})
	}
	return out, nil
}

func (m *Memory) PushWrappedKeys(_ context.Context, targetDeviceID string, keys []WrappedSessionKey) error {
	if err := m.injected("PushWrappedKeys"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[targetDeviceID]; !ok {
		return domain.ErrNoAccount
	}
	for _, k := range keys {
		if s, ok := m.sessions[k.SessionID]; ok {
			s.deviceKeys[targetDeviceID] = append([]byte(nil), k.Wrapped...)
		}
	}
	return nil
}

func (m *Memory) ResolveConnectors(_ context.Context, pairs []domain.ConnectorTypeValue) ([]ResolvedConnector, error) {
	if err := m.injected("ResolveConnectors"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResolvedConnector, 0, len(pairs))
	for _, p := range pairs {
		res := ResolvedConnector{Type: string(p.Type), Value: p.Value}
		for _, c := range m.connectors {
			if c.Type == p.Type && c.Value == p.Value && c.State == domain.ConnectorStateValidated {
				res.UserID = c.UserID
				break
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func (m *Memory) AddConnector(_ context.Context, userID string, typ domain.ConnectorType, value string, token *domain.PreValidationToken) (*domain.Connector, error) {
	if err := m.injected("AddConnector"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state := domain.ConnectorStatePending
	if token != nil && token.Token != "" {
		state = domain.ConnectorStateValidated
	}
	c := &domain.Connector{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   typ,
		Value:  value,
		State:  state,
	}
	m.connectors[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *Memory) ValidateConnector(_ context.Context, connectorID, challenge string) (*domain.Connector, error) {
	if err := m.injected("ValidateConnector"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[connectorID]
	if !ok {
		return nil, domain.ErrConnectorNotFound
	}
	if challenge == "" {
		return nil, fmt.Errorf("directory: empty challenge")
	}
	c.State = domain.ConnectorStateValidated
	cp := *c
	return &cp, nil
}

func (m *Memory) RemoveConnector(_ context.Context, connectorID string) (*domain.Connector, error) {
	if err := m.injected("RemoveConnector"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[connectorID]
	if !ok {
		return nil, domain.ErrConnectorNotFound
	}
	c.State = domain.ConnectorStateRemoved
	cp := *c
	delete(m.connectors, connectorID)
	return &cp, nil
}

func (m *Memory) ListConnectors(ctx context.Context, userID string) ([]domain.Connector, error) {
	return m.ConnectorsForUser(ctx, userID)
}

func (m *Memory) ConnectorsForUser(_ context.Context, userID string) ([]domain.Connector, error) {
	if err := m.injected("ConnectorsForUser"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Connector
	for _, c := range m.connectors {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *Memory) RetrieveConnector(_ context.Context, connectorID string) (*domain.Connector, error) {
	if err := m.injected("RetrieveConnector"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[connectorID]
	if !ok {
		return nil, domain.ErrConnectorNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) PushJWT(_ context.Context, token string) error {
	if err := m.injected("PushJWT"); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("directory: empty JWT")
	}
	return nil
}

func (m *Memory) Heartbeat(_ context.Context) error {
	return m.injected("Heartbeat")
}

var _ Client = (*Memory)(nil)
