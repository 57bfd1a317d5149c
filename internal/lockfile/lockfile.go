// Package lockfile implements the cross-process mutex bound to a
// filesystem path, with a liveness heartbeat and compromise detection.
// The advisory locking primitive itself is an external collaborator
// (github.com/gofrs/flock); this package layers the heartbeat,
// staleness, and compromise semantics on top of it.
package lockfile

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/shockpkg-go/shockpkg/internal/pmerr"
	"github.com/shockpkg-go/shockpkg/internal/pmlog"
)

// DefaultHeartbeatInterval is how often a held lock's mtime is
// refreshed.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultStaleAfter is how long a lock file may go without a heartbeat
// refresh before it's considered abandoned by whoever held it.
const DefaultStaleAfter = 20 * time.Second

// LockFile is a process-global mutex bound to path. Held is true
// between a successful Acquire and the matching Release; Compromised
// latches true once set and stays true until the next Acquire resets it.
type LockFile struct {
	path              string
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	log               *pmlog.Logger

	fl *flock.Flock

	mu          sync.Mutex
	held        bool
	compromised atomic.Bool

	onCompromise func()

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a LockFile bound to path. onCompromise, if non-nil, is
// invoked exactly once the first time external removal or staleness
// is detected while the lock is held.
func New(path string, onCompromise func(), log *pmlog.Logger) *LockFile {
	if log == nil {
		log = pmlog.Default
	}
	return &LockFile{
		path:              path,
		heartbeatInterval: DefaultHeartbeatInterval,
		staleAfter:        DefaultStaleAfter,
		log:               log,
		onCompromise:      onCompromise,
	}
}

// Acquire takes the lock with zero retries: if another process already
// holds it, Acquire fails immediately with Locked. On success, a
// heartbeat goroutine refreshes the lock's mtime periodically and a
// watcher observes the lock path for external removal/rename.
func (l *LockFile) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return pmerr.ErrAlreadyInited
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return pmerr.Filesystem("mkdir_lock_dir", err)
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return pmerr.Filesystem("lock_tryLock", err)
	}
	if !ok {
		return pmerr.ErrLocked
	}

	l.fl = fl
	l.held = true
	l.compromised.Store(false)
	l.stop = make(chan struct{})

	l.touch()

	l.wg.Add(1)
	go l.heartbeatLoop()

	l.wg.Add(1)
	go l.watchLoop()

	return nil
}

func (l *LockFile) touch() {
	now := time.Now()
	_ = os.Chtimes(l.path, now, now)
}

func (l *LockFile) heartbeatLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			fi, err := os.Stat(l.path)
			if err != nil {
				l.markCompromised("lock file missing during heartbeat")
				return
			}
			// An mtime far older than our own refresh cadence means the
			// heartbeat stalled (or the file was swapped out from under
			// us); the lock can no longer be trusted as live.
			if time.Since(fi.ModTime()) > l.staleAfter {
				l.markCompromised("lock file aged out between heartbeats")
				return
			}
			l.touch()
		}
	}
}

func (l *LockFile) watchLoop() {
	defer l.wg.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.Errorf("lock", "failed to start lock watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		l.log.Errorf("lock", "failed to watch lock directory: %v", err)
		return
	}

	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				l.markCompromised("lock file externally removed or renamed")
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Errorf("lock", "watcher error: %v", err)
		}
	}
}

func (l *LockFile) markCompromised(reason string) {
	if l.compromised.CompareAndSwap(false, true) {
		l.log.Errorf("lock", "lock compromised: %s", reason)
		if l.onCompromise != nil {
			l.onCompromise()
		}
	}
}

// Compromised reports whether the held lock has been externally
// removed or aged out since Acquire.
func (l *LockFile) Compromised() bool {
	return l.compromised.Load()
}

// Release stops the heartbeat/watcher and unlocks. It tolerates a
// compromised lock: whatever is left is released safely rather than
// erroring out.
func (l *LockFile) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	close(l.stop)
	l.wg.Wait()

	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
	}
	if !l.compromised.Load() {
		os.Remove(l.path)
	}
	l.held = false
	l.fl = nil
	return err
}
