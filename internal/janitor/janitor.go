package janitor

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexcrm/walite/internal/config"
	"github.com/nexcrm/walite/internal/credstore"
)

// LiveSessions reports which session IDs currently hold an open socket.
type LiveSessions interface {
	LiveSessionIDs() []string
}

// Janitor runs the periodic cleanup jobs: expired credential purge and
// staging file sweep.
type Janitor struct {
	store  *credstore.Store
	live   LiveSessions
	cfg    *config.Config
	logger *log.Logger
	sched  *cron.Cron
}

// New creates the janitor. Start must be called to schedule the jobs.
func New(store *credstore.Store, live LiveSessions, cfg *config.Config, logger *log.Logger) *Janitor {
	return &Janitor{
		store:  store,
		live:   live,
		cfg:    cfg,
		logger: logger,
		sched:  cron.New(),
	}
}

// Start schedules the cleanup jobs.
func (j *Janitor) Start() error {
	if _, err := j.sched.AddFunc("@every 1h", j.PurgeCredentials); err != nil {
		return err
	}
	if _, err := j.sched.AddFunc("@every 10m", j.SweepStaging); err != nil {
		return err
	}
	j.sched.Start()
	j.logger.Printf("Cleanup jobs scheduled")
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.sched.Stop()
	<-ctx.Done()
}

// PurgeCredentials deletes credential records idle past the TTL.
func (j *Janitor) PurgeCredentials() {
	n, err := j.store.PurgeExpired()
	if err != nil {
		j.logger.Printf("Credential purge failed: %v", err)
		return
	}
	if n > 0 {
		j.logger.Printf("Purged %d expired session records", n)
	}
}

// SweepStaging removes staging databases whose sessions are gone. Files
// belonging to live sessions are never touched, and even orphans get a grace
// period so a session mid-construction is not swept from under it.
func (j *Janitor) SweepStaging() {
	entries, err := os.ReadDir(j.cfg.StagingDir)
	if err != nil {
		j.logger.Printf("Staging sweep failed: %v", err)
		return
	}

	liveIDs := make(map[string]bool)
	for _, id := range j.live.LiveSessionIDs() {
		liveIDs[id] = true
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Journal sidecars (-wal, -shm) belong to the same session as their
		// main file.
		base := strings.TrimSuffix(strings.TrimSuffix(name, "-wal"), "-shm")
		sessionID := strings.TrimSuffix(base, ".db")
		if liveIDs[sessionID] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Orphaned session databases go after a short grace period. Files
		// that do not look like session databases (editor droppings, partial
		// downloads) only go once they are unambiguously stale.
		threshold := j.cfg.StagingGrace
		if !strings.HasSuffix(base, ".db") {
			threshold = j.cfg.StagingMaxAge
		}
		if time.Since(info.ModTime()) < threshold {
			continue
		}
		if err := os.Remove(filepath.Join(j.cfg.StagingDir, name)); err != nil {
			j.logger.Printf("Failed to remove staging file %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Printf("Swept %d stale staging files", removed)
	}
}
