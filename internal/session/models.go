package session

import "time"

// ConnectRequest starts or resumes a session for a user.
type ConnectRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// SendRequest delivers a text message through the user's session.
type SendRequest struct {
	UserID string `json:"user_id" binding:"required"`
	To     string `json:"to" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// UserRequest identifies a user for status, disconnect and clean calls.
type UserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// StatusInfo is the externally visible session state. QRPayload and
// PhoneNumber are mutually exclusive; PhoneNumber is only set while the
// session is actually paired, LastKnownPhone reports the number a past
// session had paired as.
type StatusInfo struct {
	SessionID      string     `json:"session_id,omitempty"`
	Status         string     `json:"status"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	LastKnownPhone string     `json:"last_known_phone,omitempty"`
	QRPayload      string     `json:"qr_payload,omitempty"`
	QRExpiresAt    *time.Time `json:"qr_expires_at,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
}

// SendResult reports a delivered message.
type SendResult struct {
	MessageID string    `json:"message_id"`
	To        string    `json:"to"`
	SentAt    time.Time `json:"sent_at"`
}

// CleanResult reports how much the clean operation removed.
type CleanResult struct {
	SessionsRemoved int64 `json:"sessions_removed"`
}

// Response is the uniform HTTP envelope.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
