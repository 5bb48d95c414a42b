package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"e2ee-sdk/internal/crypto"
	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/observability/metrics"

	"github.com/google/uuid"
)

// EncryptionSession is a client-side handle on a symmetric content key and
// its recipient set. Handles are revocable: revoking all recipients makes
// every subsequent encrypt/decrypt on the handle fail with ErrSessionRevoked.
//
// Concurrent encrypt/decrypt calls are each atomic with respect to the
// handle's recipient snapshot at call time; a revoke racing with an in-flight
// decrypt may non-deterministically succeed or fail with ErrSessionRevoked.
type EncryptionSession struct {
	sdk *SDK
	id  string

	mu         sync.Mutex
	key        []byte
	recipients map[string]bool
	revoked    bool
}

// ID returns the session ID.
func (es *EncryptionSession) ID() string { return es.id }

// messageEnvelope is the wire form of an encrypted message. The session ID
// travels in clear so the session can be recovered from the artifact alone.
type messageEnvelope struct {
	Version   string `json:"v"`
	SessionID string `json:"mid"`
	Data      string `json:"data"`
}

const (
	envelopeVersion = "1"
	fileMagic       = "E2EF"
)

// CreateEncryptionSession generates a fresh content key and wraps it once per
// recipient. The caller's own user ID must be included in recipients for the
// session to remain recoverable by the caller; that is not validated here.
func (s *SDK) CreateEncryptionSession(ctx context.Context, recipientIDs []string) (*EncryptionSession, error) {
	account, err := s.usableAccount()
	if err != nil {
		return nil, err
	}
	if len(recipientIDs) == 0 {
		return nil, domain.ErrInvalidRecipientSet
	}

	contentKey, err := crypto.NewContentKey()
	if err != nil {
		return nil, err
	}
	keys, err := s.wrapForRecipients(ctx, contentKey, recipientIDs)
	if err != nil {
		metrics.SessionsCreatedTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	sessionID := uuid.NewString()
	err = s.dir.CreateSession(ctx, directory.CreateSessionRequest{
		SessionID:          sessionID,
		OwnerUserID:        account.userID,
		SessionKeysRequest: keys,
	})
	if err != nil {
		metrics.SessionsCreatedTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	recipients := make(map[string]bool, len(recipientIDs))
	for _, r := range recipientIDs {
		recipients[r] = true
	}
	s.cache.put(sessionID, contentKey, recipients)
	metrics.SessionsCreatedTotal.WithLabelValues("success").Inc()
	s.log.Debug("session created", "session_id", sessionID, "recipients", len(recipientIDs))

	return &EncryptionSession{sdk: s, id: sessionID, key: contentKey, recipients: recipients}, nil
}

// RetrieveEncryptionSession resolves a session by ID. With useCache, a cached
// resolution is returned without a directory round-trip.
func (s *SDK) RetrieveEncryptionSession(ctx context.Context, sessionID string, useCache bool) (*EncryptionSession, error) {
	account, err := s.usableAccount()
	if err != nil {
		return nil, err
	}
	if useCache {
		if e, ok := s.cache.get(sessionID); ok {
			metrics.SessionCacheLookupsTotal.WithLabelValues("hit").Inc()
			return &EncryptionSession{sdk: s, id: sessionID, key: e.key, recipients: e.recipients}, nil
		}
		metrics.SessionCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	access, err := s.dir.FetchSession(ctx, sessionID, account.userID, account.deviceID)
	if err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("retrieve", "failure").Inc()
		return nil, err
	}
	contentKey, err := s.unwrapAccess(account, access)
	if err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("retrieve", "failure").Inc()
		return nil, err
	}

	recipients := make(map[string]bool, len(access.Recipients))
	for _, r := range access.Recipients {
		recipients[r] = true
	}
	s.cache.put(sessionID, contentKey, recipients)
	metrics.SessionOperationsTotal.WithLabelValues("retrieve", "success").Inc()

	return &EncryptionSession{sdk: s, id: sessionID, key: contentKey, recipients: recipients}, nil
}

// RetrieveEncryptionSessionFromMessage resolves the session that produced an
// encrypted message.
func (s *SDK) RetrieveEncryptionSessionFromMessage(ctx context.Context, message string, useCache bool) (*EncryptionSession, error) {
	sessionID, err := ParseSessionIDFromMessage(message)
	if err != nil {
		return nil, err
	}
	return s.RetrieveEncryptionSession(ctx, sessionID, useCache)
}

// RetrieveEncryptionSessionFromFile resolves the session that produced an
// encrypted file container.
func (s *SDK) RetrieveEncryptionSessionFromFile(ctx context.Context, encryptedFile []byte, useCache bool) (*EncryptionSession, error) {
	header, _, err := parseFileContainer(encryptedFile)
	if err != nil {
		return nil, err
	}
	return s.RetrieveEncryptionSession(ctx, header.SessionID, useCache)
}

// ParseSessionIDFromMessage extracts the session ID embedded in an encrypted
// message without decrypting it.
func ParseSessionIDFromMessage(message string) (string, error) {
	var env messageEnvelope
	if err := json.Unmarshal([]byte(message), &env); err != nil || env.SessionID == "" {
		return "", domain.ErrMalformedCiphertext
	}
	return env.SessionID, nil
}

// unwrapAccess recovers the content key from a fetch answer, directly or
// through a group key the current device holds.
func (s *SDK) unwrapAccess(account accountState, access *directory.SessionAccess) ([]byte, error) {
	if access.ViaGroup == "" {
		key, err := account.key.Unwrap(access.Wrapped)
		if err != nil {
			return nil, mapCryptoErr(err)
		}
		return key, nil
	}
	groupSeed, err := account.key.Unwrap(access.WrappedGroupKey)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	groupKey, err := crypto.ParsePrivateKey(groupSeed)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	key, err := groupKey.Unwrap(access.Wrapped)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	return key, nil
}

// wrapForRecipients resolves the recipient IDs and wraps the content key once
// per user device and once per group.
func (s *SDK) wrapForRecipients(ctx context.Context, contentKey []byte, recipientIDs []string) (directory.SessionKeysRequest, error) {
	out := directory.SessionKeysRequest{
		Recipients: recipientIDs,
		DeviceKeys: make(map[string][]byte),
		GroupKeys:  make(map[string][]byte),
	}
	resolved, err := s.dir.RecipientKeys(ctx, recipientIDs)
	if err != nil {
		return directory.SessionKeysRequest{}, err
	}
	for _, r := range resolved {
		if r.IsGroup {
			pub, err := crypto.ParsePublicKey(r.GroupPub)
			if err != nil {
				return directory.SessionKeysRequest{}, fmt.Errorf("service: group %s: %w", r.ID, err)
			}
			wrapped, err := pub.Wrap(contentKey)
			if err != nil {
				return directory.SessionKeysRequest{}, err
			}
			out.GroupKeys[r.ID] = wrapped
			continue
		}
		for _, dev := range r.Devices {
			pub, err := crypto.ParsePublicKey(dev.Pub)
			if err != nil {
				return directory.SessionKeysRequest{}, fmt.Errorf("service: device %s: %w", dev.DeviceID, err)
			}
			wrapped, err := pub.Wrap(contentKey)
			if err != nil {
				return directory.SessionKeysRequest{}, err
			}
			out.DeviceKeys[dev.DeviceID] = wrapped
		}
	}
	return out, nil
}

// AddRecipients wraps the session key for new recipients. Idempotent for
// recipients that already hold a copy.
func (es *EncryptionSession) AddRecipients(ctx context.Context, recipientIDs []string) error {
	account, err := es.sdk.usableAccount()
	if err != nil {
		return err
	}
	es.mu.Lock()
	if es.revoked {
		es.mu.Unlock()
		return domain.ErrSessionRevoked
	}
	contentKey := es.key
	es.mu.Unlock()

	keys, err := es.sdk.wrapForRecipients(ctx, contentKey, recipientIDs)
	if err != nil {
		return err
	}
	if err := es.sdk.dir.AddSessionRecipients(ctx, es.id, account.userID, keys); err != nil {
		return err
	}

	es.mu.Lock()
	for _, r := range recipientIDs {
		es.recipients[r] = true
	}
	recipients := es.recipients
	es.mu.Unlock()
	es.sdk.cache.put(es.id, contentKey, recipients)
	return nil
}

// RevokeRecipients removes recipients from the session. Revoking an absent
// recipient is a no-op.
func (es *EncryptionSession) RevokeRecipients(ctx context.Context, recipientIDs []string) error {
	account, err := es.sdk.usableAccount()
	if err != nil {
		return err
	}
	if err := es.sdk.dir.RevokeSessionRecipients(ctx, es.id, account.userID, recipientIDs); err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("revoke", "failure").Inc()
		return err
	}

	es.mu.Lock()
	for _, r := range recipientIDs {
		delete(es.recipients, r)
	}
	if len(es.recipients) == 0 {
		es.revoked = true
	}
	revoked := es.revoked
	recipients := es.recipients
	contentKey := es.key
	es.mu.Unlock()

	if revoked {
		es.sdk.cache.invalidate(es.id)
	} else {
		es.sdk.cache.put(es.id, contentKey, recipients)
	}
	metrics.SessionOperationsTotal.WithLabelValues("revoke", "success").Inc()
	return nil
}

// RevokeAll revokes every recipient, leaving the session permanently
// inaccessible. Idempotent.
func (es *EncryptionSession) RevokeAll(ctx context.Context) error {
	es.mu.Lock()
	ids := make([]string, 0, len(es.recipients))
	for r := range es.recipients {
		ids = append(ids, r)
	}
	es.mu.Unlock()
	if len(ids) == 0 {
		es.mu.Lock()
		es.revoked = true
		es.mu.Unlock()
		es.sdk.cache.invalidate(es.id)
		return nil
	}
	return es.RevokeRecipients(ctx, ids)
}

// RevokeOthers revokes every recipient besides the caller's own identity.
func (es *EncryptionSession) RevokeOthers(ctx context.Context) error {
	account, err := es.sdk.usableAccount()
	if err != nil {
		return err
	}
	es.mu.Lock()
	ids := make([]string, 0, len(es.recipients))
	for r := range es.recipients {
		if r != account.userID {
			ids = append(ids, r)
		}
	}
	es.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return es.RevokeRecipients(ctx, ids)
}

// EncryptMessage encrypts a clear-text string for the recipients of this
// session.
func (es *EncryptionSession) EncryptMessage(clearMessage string) (string, error) {
	es.mu.Lock()
	if es.revoked || len(es.recipients) == 0 {
		es.mu.Unlock()
		return "", domain.ErrSessionRevoked
	}
	contentKey := es.key
	es.mu.Unlock()

	sealed, err := crypto.Seal(contentKey, []byte(clearMessage), []byte(es.id))
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(messageEnvelope{
		Version:   envelopeVersion,
		SessionID: es.id,
		Data:      base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", err
	}
	metrics.SessionOperationsTotal.WithLabelValues("encrypt", "success").Inc()
	return string(raw), nil
}

// DecryptMessage decrypts an encrypted message produced by this session.
func (es *EncryptionSession) DecryptMessage(encryptedMessage string) (string, error) {
	es.mu.Lock()
	if es.revoked || len(es.recipients) == 0 {
		es.mu.Unlock()
		return "", domain.ErrSessionRevoked
	}
	contentKey := es.key
	es.mu.Unlock()

	var env messageEnvelope
	if err := json.Unmarshal([]byte(encryptedMessage), &env); err != nil || env.Data == "" {
		return "", domain.ErrMalformedCiphertext
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", domain.ErrMalformedCiphertext
	}
	clear, err := crypto.Open(contentKey, sealed, []byte(env.SessionID))
	if err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("decrypt", "failure").Inc()
		return "", mapCryptoErr(err)
	}
	metrics.SessionOperationsTotal.WithLabelValues("decrypt", "success").Inc()
	return string(clear), nil
}

// EncryptFile produces an encrypted container embedding the session ID and
// the encrypted filename, so the session can later be recovered from the
// artifact alone.
func (es *EncryptionSession) EncryptFile(clearFile []byte, filename string) ([]byte, error) {
	es.mu.Lock()
	if es.revoked || len(es.recipients) == 0 {
		es.mu.Unlock()
		return nil, domain.ErrSessionRevoked
	}
	contentKey := es.key
	es.mu.Unlock()

	header, err := json.Marshal(domain.EncryptedFileHeader{Version: envelopeVersion, SessionID: es.id})
	if err != nil {
		return nil, err
	}

	if len(filename) > 0xFFFF {
		return nil, fmt.Errorf("service: filename too long")
	}
	payload := make([]byte, 2+len(filename)+len(clearFile))
	binary.BigEndian.PutUint16(payload, uint16(len(filename)))
	copy(payload[2:], filename)
	copy(payload[2+len(filename):], clearFile)

	sealed, err := crypto.Seal(contentKey, payload, header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(fileMagic)+4+len(header)+len(sealed))
	out = append(out, fileMagic...)
	var hlen [4]byte
	binary.BigEndian.PutUint32(hlen[:], uint32(len(header)))
	out = append(out, hlen[:]...)
	out = append(out, header...)
	return append(out, sealed...), nil
}

// DecryptFile decrypts an encrypted container back into a clear file.
func (es *EncryptionSession) DecryptFile(encryptedFile []byte) (*domain.ClearFile, error) {
	es.mu.Lock()
	if es.revoked || len(es.recipients) == 0 {
		es.mu.Unlock()
		return nil, domain.ErrSessionRevoked
	}
	contentKey := es.key
	es.mu.Unlock()

	header, sealed, err := parseFileContainer(encryptedFile)
	if err != nil {
		return nil, err
	}
	hlen := int(binary.BigEndian.Uint32(encryptedFile[len(fileMagic):]))
	rawHeader := encryptedFile[len(fileMagic)+4 : len(fileMagic)+4+hlen]
	payload, err := crypto.Open(contentKey, sealed, rawHeader)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	if len(payload) < 2 {
		return nil, domain.ErrMalformedCiphertext
	}
	nameLen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+nameLen {
		return nil, domain.ErrMalformedCiphertext
	}
	return &domain.ClearFile{
		Filename:    string(payload[2 : 2+nameLen]),
		SessionID:   header.SessionID,
		FileContent: payload[2+nameLen:],
	}, nil
}

// EncryptFileFromPath encrypts a file on disk, writing the container next to
// it with an ".encrypted" suffix and returning the written path.
func (es *EncryptionSession) EncryptFileFromPath(clearFilePath string) (string, error) {
	clear, err := os.ReadFile(clearFilePath)
	if err != nil {
		return "", err
	}
	encrypted, err := es.EncryptFile(clear, filepath.Base(clearFilePath))
	if err != nil {
		return "", err
	}
	outPath := clearFilePath + ".encrypted"
	if err := os.WriteFile(outPath, encrypted, 0o600); err != nil {
		return "", err
	}
	return outPath, nil
}

// DecryptFileFromPath decrypts an encrypted container on disk, writing the
// clear file under its original name next to the container and returning the
// written path.
func (es *EncryptionSession) DecryptFileFromPath(encryptedFilePath string) (string, error) {
	encrypted, err := os.ReadFile(encryptedFilePath)
	if err != nil {
		return "", err
	}
	clear, err := es.DecryptFile(encrypted)
	if err != nil {
		return "", err
	}
	// The embedded filename is attacker-supplied relative to this device;
	// strip any directory components so it cannot escape the target dir.
	name := filepath.Base(clear.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", domain.ErrMalformedCiphertext
	}
	outPath := filepath.Join(filepath.Dir(encryptedFilePath), name)
	if err := os.WriteFile(outPath, clear.FileContent, 0o600); err != nil {
		return "", err
	}
	return outPath, nil
}

func parseFileContainer(encryptedFile []byte) (domain.EncryptedFileHeader, []byte, error) {
	var header domain.EncryptedFileHeader
	if len(encryptedFile) < len(fileMagic)+4 || !bytes.HasPrefix(encryptedFile, []byte(fileMagic)) {
		return header, nil, domain.ErrMalformedCiphertext
	}
	hlen := int(binary.BigEndian.Uint32(encryptedFile[len(fileMagic):]))
	rest := encryptedFile[len(fileMagic)+4:]
	if hlen <= 0 || len(rest) < hlen {
		return header, nil, domain.ErrMalformedCiphertext
	}
	if err := json.Unmarshal(rest[:hlen], &header); err != nil || header.SessionID == "" {
		return header, nil, domain.ErrMalformedCiphertext
	}
	return header, rest[hlen:], nil
}
