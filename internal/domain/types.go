package domain

import "time"

// AccountInfo describes the local account held by an SDK instance.
type AccountInfo struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// Device is one keyed endpoint of a user account. ExpiresAt is always set; a
// device past its expiry cannot issue new wrapped keys until renewed.
type Device struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string     `gorm:"type:uuid;index" json:"userId"`
	Name      string     `gorm:"type:text;not null" json:"name"`
	CreatedAt time.Time  `gorm:"not null" json:"createdAt"`
	ExpiresAt time.Time  `gorm:"not null" json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (Device) TableName() string { return "devices" }

// Expired reports whether the device key validity window has passed.
func (d Device) Expired(now time.Time) bool { return now.After(d.ExpiresAt) }

// DeviceMissingKeys is a device of the current account which is missing
// wrapped session keys. Count may under-report for recently created devices
// still being provisioned server-side.
type DeviceMissingKeys struct {
	DeviceID string `json:"deviceId"`
	Count    int    `json:"count"`
}

// MassReencryptResponse reports the outcome of a mass reencryption run.
// Partial failure is returned as counts, never as an error.
type MassReencryptResponse struct {
	Reencrypted int `json:"reencrypted"`
	Failed      int `json:"failed"`
}

// ClearFile is a decrypted file container.
type ClearFile struct {
	Filename    string
	SessionID   string
	FileContent []byte
}

// EncryptedFileHeader is the clear-text header embedded in encrypted file
// containers, so that a session can be recovered from the artifact alone.
type EncryptedFileHeader struct {
	Version   string `json:"v"`
	SessionID string `json:"mid"`
}

// PreValidationToken lets an application server authorize adding a connector
// without a challenge round-trip.
type PreValidationToken struct {
	DomainValidationKeyID string `json:"domainValidationKeyId"`
	Nonce                 string `json:"nonce"`
	Token                 string `json:"token"`
}
