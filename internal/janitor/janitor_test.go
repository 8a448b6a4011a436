package janitor

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
)

type fakeLive struct{ ids []string }

func (f fakeLive) LiveSessionIDs() []string { return f.ids }

func newTestJanitor(t *testing.T, ttl time.Duration, live []string) (*Janitor, *config.Config, *credstore.Store) {
	t.Helper()
	lg := log.New(io.Discard, "", 0)
	cfg := config.New()
	cfg.DataDir = t.TempDir()
	cfg.StagingDir = filepath.Join(cfg.DataDir, "staging")
	cfg.StagingGrace = 50 * time.Millisecond
	cfg.StagingMaxAge = 2 * time.Hour
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	store, err := credstore.Open(filepath.Join(cfg.DataDir, "sessions.db"), ttl, lg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, fakeLive{ids: live}, cfg, lg), cfg, store
}

func writeStagingFile(t *testing.T, cfg *config.Config, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(cfg.StagingDir, name)
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweepStagingRemovesOrphans(t *testing.T) {
	j, cfg, _ := newTestJanitor(t, time.Hour, []string{"live-session"})

	liveFile := writeStagingFile(t, cfg, "live-session.db", time.Hour)
	liveWal := writeStagingFile(t, cfg, "live-session.db-wal", time.Hour)
	orphan := writeStagingFile(t, cfg, "dead-session.db", time.Hour)
	fresh := writeStagingFile(t, cfg, "fresh-session.db", 0)

	j.SweepStaging()

	for _, path := range []string{liveFile, liveWal, fresh} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s should have survived the sweep: %v", filepath.Base(path), err)
		}
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned staging file should have been removed")
	}
}

func TestSweepStagingKeepsUnrecognizedFilesUntilMaxAge(t *testing.T) {
	j, cfg, _ := newTestJanitor(t, time.Hour, nil)

	recent := writeStagingFile(t, cfg, "scratch.tmp", time.Hour)
	ancient := writeStagingFile(t, cfg, "leftover.tmp", 3*time.Hour)

	j.SweepStaging()

	if _, err := os.Stat(recent); err != nil {
		t.Errorf("unrecognized file younger than the max age must survive: %v", err)
	}
	if _, err := os.Stat(ancient); !os.IsNotExist(err) {
		t.Error("unrecognized file past the max age should have been removed")
	}
}

func TestPurgeCredentials(t *testing.T) {
	j, _, store := newTestJanitor(t, time.Millisecond, nil)

	creds := &credstore.Credentials{
		RegistrationID: 1,
		NoiseKey:       make([]byte, 32),
		PairedJID:      "5491122334455@s.whatsapp.net",
	}
	if err := store.Save("u1", "s1", creds); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	j.PurgeCredentials()

	rec, err := store.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("expired record should be purged")
	}
}
