// Package scheduler registers the recurring maintenance jobs on the
// PocketBase cron runner.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/skeeeon/managed-nebula/internal/certs"
	"github.com/skeeeon/managed-nebula/internal/versioncache"
)

// Job run deadline. CA creation shells out to the signer, which has its own
// shorter timeout.
const jobTimeout = 5 * time.Minute

// Scheduler owns the cron jobs and the per-job mutexes that keep a slow run
// from stacking on top of the next tick.
type Scheduler struct {
	app      core.App
	certs    *certs.Manager
	versions *versioncache.Fetcher

	rotateMu  sync.Mutex
	cleanupMu sync.Mutex
	versionMu sync.Mutex
}

func New(app core.App, certManager *certs.Manager, versions *versioncache.Fetcher) *Scheduler {
	return &Scheduler{
		app:      app,
		certs:    certManager,
		versions: versions,
	}
}

// Register installs the jobs. Schedules are spread out so the CA jobs never
// contend with each other.
func (s *Scheduler) Register() {
	s.app.Cron().MustAdd("ca_rotation", "0 3 * * *", s.runRotation)
	s.app.Cron().MustAdd("ca_cleanup", "0 4 * * *", s.runCleanup)
	s.app.Cron().MustAdd("version_refresh", "30 */6 * * *", s.runVersionRefresh)
}

// runRotation creates successor CAs for signers nearing expiry.
func (s *Scheduler) runRotation() {
	if !s.rotateMu.TryLock() {
		return
	}
	defer s.rotateMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.certs.EnsureFutureCA(ctx); err != nil {
		s.app.Logger().Error("ca rotation job failed", "error", err)
	}
}

// runCleanup deactivates previous CAs whose overlap window has elapsed.
func (s *Scheduler) runCleanup() {
	if !s.cleanupMu.TryLock() {
		return
	}
	defer s.cleanupMu.Unlock()

	if err := s.certs.CleanupOldCAs(); err != nil {
		s.app.Logger().Error("ca cleanup job failed", "error", err)
	}
}

func (s *Scheduler) runVersionRefresh() {
	if !s.versionMu.TryLock() {
		return
	}
	defer s.versionMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.versions.Refresh(ctx); err != nil {
		s.app.Logger().Warn("version cache refresh failed", "error", err)
	}
}
