package credstore

import (
	"errors"
	"time"
)

// Session status values persisted alongside credentials.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Credentials is the serialized session key material. It is treated as an
// atomic unit: either the whole snapshot is present and internally
// consistent, or the session has no credentials at all. Byte slices are
// base64-encoded by the JSON layer; everywhere else they stay binary.
type Credentials struct {
	RegistrationID        uint32 `json:"registrationId"`
	NoiseKey              []byte `json:"noiseKey"`
	IdentityKey           []byte `json:"identityKey"`
	SignedPreKey          []byte `json:"signedPreKey"`
	SignedPreKeyID        uint32 `json:"signedPreKeyId"`
	SignedPreKeySignature []byte `json:"signedPreKeySignature"`
	AdvSecretKey          []byte `json:"advSecretKey"`
	// Account is the signed device identity issued on pairing, in its wire
	// encoding.
	Account []byte `json:"account,omitempty"`
	// PairedJID is empty until the phone confirms the pairing. A record
	// without it captured a QR but never completed.
	PairedJID string `json:"pairedJid,omitempty"`
	Platform  string `json:"platform,omitempty"`
	PushName  string `json:"pushName,omitempty"`
}

// ErrInvalidCredentials rejects blobs missing the minimum key material.
var ErrInvalidCredentials = errors.New("credentials missing registration id or noise key")

// Validate checks the minimum required fields before a snapshot may be
// persisted.
func (c *Credentials) Validate() error {
	if c == nil || c.RegistrationID == 0 || len(c.NoiseKey) != 32 {
		return ErrInvalidCredentials
	}
	return nil
}

// Complete reports whether the pairing finished, i.e. the snapshot can seed
// a resumable session.
func (c *Credentials) Complete() bool {
	return c != nil && c.PairedJID != ""
}

// SessionRecord is one row per session in the shared store.
type SessionRecord struct {
	SessionID    string    `gorm:"primaryKey;size:64" json:"session_id"`
	UserID       string    `gorm:"index;size:64;not null" json:"user_id"`
	PhoneNumber  string    `gorm:"size:20;index" json:"phone_number"`
	QRPayload    string    `gorm:"type:text" json:"qr_payload"`
	Status       string    `gorm:"size:16;default:disconnected" json:"status"`
	Credentials  []byte    `gorm:"type:blob" json:"-"`
	LastActivity time.Time `gorm:"index" json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (SessionRecord) TableName() string { return "wa_sessions" }

// Stats summarizes a user's stored sessions.
type Stats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Expired int64 `json:"expired"`
}
