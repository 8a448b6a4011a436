package authstate

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	// Registers the sqlite3 driver the staging store opens with.
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
)

// AuthState is the structure the protocol library consumes to open a socket:
// a per-session device store backed by a private staging database.
type AuthState struct {
	UserID      string
	SessionID   string
	Device      *store.Device
	StagingPath string

	container *sqlstore.Container
}

// Close releases the staging container. The staging file itself is removed
// later by the janitor, never synchronously, so in-flight reads are not
// raced.
func (a *AuthState) Close() {
	if a.container != nil {
		a.container.Close()
		a.container = nil
	}
}

// SaveHook re-serializes the library's credential representation back into
// the store. The library invokes it for each handshake step; every call
// writes a complete snapshot.
type SaveHook func(ctx context.Context) error

// Bridge converts persisted credential blobs into device stores and back.
type Bridge struct {
	store  *credstore.Store
	cfg    *config.Config
	logger *log.Logger
}

// NewBridge creates an auth-state bridge over the given store.
func NewBridge(store *credstore.Store, cfg *config.Config, logger *log.Logger) *Bridge {
	return &Bridge{store: store, cfg: cfg, logger: logger}
}

// Build produces an auth state for (userID, sessionID), seeded from existing
// credentials when present, freshly generated otherwise. The staging
// database is unique per session.
func (b *Bridge) Build(ctx context.Context, userID, sessionID string, existing *credstore.Credentials) (*AuthState, SaveHook, error) {
	stagingPath := filepath.Join(b.cfg.StagingDir, sessionID+".db")
	dbLog := waLog.Stdout("Staging-"+sessionID, "ERROR", true)

	container, err := sqlstore.New(ctx, "sqlite3", "file:"+stagingPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open staging store: %w", err)
	}

	device := container.NewDevice()
	if existing != nil {
		if err := seedDevice(device, existing); err != nil {
			container.Close()
			return nil, nil, fmt.Errorf("failed to seed device from stored credentials: %w", err)
		}
		if err := device.Save(ctx); err != nil {
			container.Close()
			return nil, nil, fmt.Errorf("failed to persist seeded device: %w", err)
		}
		b.logger.Printf("Restored credentials for user %s into session %s (jid=%s)", userID, sessionID, existing.PairedJID)
	}

	auth := &AuthState{
		UserID:      userID,
		SessionID:   sessionID,
		Device:      device,
		StagingPath: stagingPath,
		container:   container,
	}

	hook := func(ctx context.Context) error {
		creds, err := snapshotDevice(device)
		if err != nil {
			return err
		}
		return b.store.Save(userID, sessionID, creds)
	}
	return auth, hook, nil
}

// seedDevice restores serialized key material into a fresh device store.
func seedDevice(device *store.Device, creds *credstore.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	noise, err := keyPairFromBytes(creds.NoiseKey)
	if err != nil {
		return fmt.Errorf("noise key: %w", err)
	}
	identity, err := keyPairFromBytes(creds.IdentityKey)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	preKeyPair, err := keyPairFromBytes(creds.SignedPreKey)
	if err != nil {
		return fmt.Errorf("signed pre-key: %w", err)
	}

	device.RegistrationID = creds.RegistrationID
	device.NoiseKey = noise
	device.IdentityKey = identity

	preKey := &keys.PreKey{KeyPair: *preKeyPair, KeyID: creds.SignedPreKeyID}
	if len(creds.SignedPreKeySignature) == 64 {
		sig := new([64]byte)
		copy(sig[:], creds.SignedPreKeySignature)
		preKey.Signature = sig
	}
	device.SignedPreKey = preKey

	device.AdvSecretKey = creds.AdvSecretKey
	device.Platform = creds.Platform
	device.PushName = creds.PushName

	if len(creds.Account) > 0 {
		var account waAdv.ADVSignedDeviceIdentity
		if err := proto.Unmarshal(creds.Account, &account); err != nil {
			return fmt.Errorf("account identity: %w", err)
		}
		device.Account = &account
	}
	if creds.PairedJID != "" {
		jid, err := types.ParseJID(creds.PairedJID)
		if err != nil {
			return fmt.Errorf("paired jid: %w", err)
		}
		device.ID = &jid
	}
	device.Initialized = true
	return nil
}

// snapshotDevice serializes the device store's credential material into a
// self-consistent snapshot.
func snapshotDevice(device *store.Device) (*credstore.Credentials, error) {
	if device.NoiseKey == nil || device.IdentityKey == nil || device.SignedPreKey == nil {
		return nil, credstore.ErrInvalidCredentials
	}

	creds := &credstore.Credentials{
		RegistrationID: device.RegistrationID,
		NoiseKey:       append([]byte(nil), device.NoiseKey.Priv[:]...),
		IdentityKey:    append([]byte(nil), device.IdentityKey.Priv[:]...),
		SignedPreKey:   append([]byte(nil), device.SignedPreKey.Priv[:]...),
		SignedPreKeyID: device.SignedPreKey.KeyID,
		AdvSecretKey:   append([]byte(nil), device.AdvSecretKey...),
		Platform:       device.Platform,
		PushName:       device.PushName,
	}
	if device.SignedPreKey.Signature != nil {
		creds.SignedPreKeySignature = append([]byte(nil), device.SignedPreKey.Signature[:]...)
	}
	if device.Account != nil {
		blob, err := proto.Marshal(device.Account)
		if err != nil {
			return nil, fmt.Errorf("account identity: %w", err)
		}
		creds.Account = blob
	}
	if device.ID != nil {
		creds.PairedJID = device.ID.String()
	}
	return creds, nil
}

func keyPairFromBytes(priv []byte) (*keys.KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}
	var arr [32]byte
	copy(arr[:], priv)
	return keys.NewKeyPairFromPrivateKey(arr), nil
}
