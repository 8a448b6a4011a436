package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store persists session credentials and connection state. It has no
// protocol knowledge; callers hand it opaque snapshots.
type Store struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *log.Logger
}

// Open opens (or creates) the session database at path.
func Open(path string, ttl time.Duration, logger *log.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session schema: %w", err)
	}
	return &Store{db: db, ttl: ttl, logger: logger}, nil
}

// Save persists a complete credential snapshot for (userID, sessionID).
// Partial blobs are rejected rather than written; each call replaces the
// whole stored snapshot so a half-written credential set can never exist.
func (s *Store) Save(userID, sessionID string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	rec := SessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		Credentials:  blob,
		LastActivity: time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "credentials", "last_activity", "updated_at",
		}),
	}).Create(&rec).Error
}

// Load returns the most recently active credential set for the user, or nil
// when there is none. Records whose blob lacks the paired identity captured
// a QR but never completed pairing; they are deleted and treated as absent,
// so loading twice yields the same "no session" answer.
func (s *Store) Load(userID string) (*Credentials, error) {
	var rec SessionRecord
	err := s.db.
		Where("user_id = ? AND credentials IS NOT NULL AND length(credentials) > 0", userID).
		Order("last_activity DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(rec.Credentials, &creds); err != nil {
		s.logger.Printf("Discarding undecodable credential blob for user %s session %s: %v", userID, rec.SessionID, err)
		s.db.Delete(&SessionRecord{}, "session_id = ?", rec.SessionID)
		return nil, nil
	}
	if !creds.Complete() {
		s.logger.Printf("Discarding incomplete credential blob for user %s session %s (pairing never finished)", userID, rec.SessionID)
		s.db.Delete(&SessionRecord{}, "session_id = ?", rec.SessionID)
		return nil, nil
	}
	return &creds, nil
}

// LatestRecord returns the user's most recently active record, or nil.
func (s *Store) LatestRecord(userID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.
		Where("user_id = ?", userID).
		Order("last_activity DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateState upserts the externally visible connection state for a session
// without touching the credential blob.
func (s *Store) UpdateState(userID, sessionID, phoneNumber, qrPayload, status string) error {
	rec := SessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		PhoneNumber:  phoneNumber,
		QRPayload:    qrPayload,
		Status:       status,
		LastActivity: time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "phone_number", "qr_payload", "status", "last_activity", "updated_at",
		}),
	}).Create(&rec).Error
}

// MarkDisconnected flips a session's stored status to disconnected.
func (s *Store) MarkDisconnected(sessionID string) error {
	return s.db.Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"status": StatusDisconnected, "last_activity": time.Now()}).Error
}

// UniquenessCheck returns an existing connected session holding phoneNumber
// under a different session ID, if any. The newest successful pairing for a
// phone number always wins; callers disconnect the returned record.
func (s *Store) UniquenessCheck(phoneNumber, excludingSessionID string) (*SessionRecord, error) {
	if phoneNumber == "" {
		return nil, nil
	}
	var rec SessionRecord
	err := s.db.
		Where("phone_number = ? AND status = ? AND session_id <> ?", phoneNumber, StatusConnected, excludingSessionID).
		Order("last_activity DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteUserSessions removes every record the user owns and returns how many
// were deleted.
func (s *Store) DeleteUserSessions(userID string) (int64, error) {
	res := s.db.Delete(&SessionRecord{}, "user_id = ?", userID)
	return res.RowsAffected, res.Error
}

// DeleteSession removes a session record entirely, credentials included.
func (s *Store) DeleteSession(sessionID string) error {
	return s.db.Delete(&SessionRecord{}, "session_id = ?", sessionID).Error
}

// PurgeExpired deletes records whose last activity is older than the
// configured TTL and returns how many were removed.
func (s *Store) PurgeExpired() (int64, error) {
	cutoff := time.Now().Add(-s.ttl)
	res := s.db.Where("last_activity < ?", cutoff).Delete(&SessionRecord{})
	return res.RowsAffected, res.Error
}

// Stats summarizes the user's stored sessions.
func (s *Store) Stats(userID string) (Stats, error) {
	var st Stats
	base := s.db.Model(&SessionRecord{}).Where("user_id = ?", userID)
	if err := base.Session(&gorm.Session{}).Count(&st.Total).Error; err != nil {
		return st, err
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", StatusConnected).Count(&st.Active).Error; err != nil {
		return st, err
	}
	cutoff := time.Now().Add(-s.ttl)
	if err := base.Session(&gorm.Session{}).Where("last_activity < ?", cutoff).Count(&st.Expired).Error; err != nil {
		return st, err
	}
	return st, nil
}

// Get returns the record for a session ID, or nil when absent.
func (s *Store) Get(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.First(&rec, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
