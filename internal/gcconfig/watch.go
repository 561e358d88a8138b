package gcconfig

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store holds the live Config and keeps it current against edits to its
// backing file, the way internal/runtime/vfs's FSNotifyWatcher keeps a
// virtual filesystem current against the real one.
type Store struct {
	path string

	mu  sync.RWMutex
	cur *Config

	w      *fsnotify.Watcher
	errC   chan error
	closed chan struct{}
}

// NewStore loads path once and starts watching it for writes. A rewrite
// that fails to parse or fails schema validation is logged (Verbose-gated)
// and discarded; the previously loaded Config stays current rather than
// leaving the collector running with a half-applied reload.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	s := &Store{
		path:   path,
		cur:    cfg,
		w:      w,
		errC:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *Store) loop() {
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errC <- err:
			default:
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Store) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		s.mu.RLock()
		prev := s.cur
		s.mu.RUnlock()
		prev.debugf("reload of %s failed, keeping prior config: %v", s.path, err)
		return
	}
	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
	cfg.debugf("reloaded %s (schema_version=%s)", s.path, cfg.SchemaVersion)
}

// Current returns the most recently loaded Config. Callers must treat the
// returned value as read-only; a concurrent reload swaps in a new *Config
// rather than mutating the one already handed out.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Errors surfaces watcher-level failures (e.g. the underlying inotify
// instance hitting its watch-descriptor limit); reload failures are not
// sent here since Current() simply keeps serving the prior Config.
func (s *Store) Errors() <-chan error { return s.errC }

// Close stops the watcher goroutine and releases its OS resources.
func (s *Store) Close() error {
	close(s.closed)
	return s.w.Close()
}
