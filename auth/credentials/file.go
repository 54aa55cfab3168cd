package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/dispatch-go/auth"
	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	Users map[string]string `yaml:"users"`
}

// File is a Hashed store loaded from a YAML document of the form
//
//	users:
//	  alice: $2a$10$...
//
// and reloaded whenever the file changes. A reload that fails keeps the
// last good snapshot.
type File struct {
	path     string
	log      *slog.Logger
	onReload func(error)

	snap    atomic.Pointer[Hashed]
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	once    sync.Once
}

var _ auth.CredentialStore = (*File)(nil)

// FileOption configures a File.
type FileOption func(*File)

// WithLogger sets the logger for reload events.
func WithLogger(log *slog.Logger) FileOption {
	return func(f *File) {
		if log != nil {
			f.log = log
		}
	}
}

// WithReloadHook is called after every reload attempt with its outcome.
func WithReloadHook(fn func(error)) FileOption {
	return func(f *File) { f.onReload = fn }
}

// OpenFile loads path and starts watching it. The initial load must succeed.
func OpenFile(path string, opts ...FileOption) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	f := &File{path: abs, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch credentials: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	f.watcher = w
	f.wg.Add(1)
	go f.watch()
	return f, nil
}

// Reload re-reads the file. On error the current snapshot is kept.
func (f *File) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse credentials %s: %w", f.path, err)
	}
	users, err := NewHashed(doc.Users)
	if err != nil {
		return fmt.Errorf("credentials %s: %w", f.path, err)
	}
	f.snap.Store(&users)
	return nil
}

// Len reports the number of users in the current snapshot.
func (f *File) Len() int {
	if s := f.snap.Load(); s != nil {
		return len(*s)
	}
	return 0
}

func (f *File) Verify(ctx context.Context, username, password string) (bool, error) {
	s := f.snap.Load()
	if s == nil {
		return false, nil
	}
	return s.Verify(ctx, username, password)
}

// Close stops watching the file.
func (f *File) Close() error {
	var err error
	f.once.Do(func() {
		if f.watcher != nil {
			err = f.watcher.Close()
		}
		f.wg.Wait()
	})
	return err
}

func (f *File) watch() {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			err := f.Reload()
			if err != nil {
				f.log.Warn("credentials reload failed; keeping previous users", slog.String("path", f.path), slog.String("err", err.Error()))
			} else {
				f.log.Info("credentials reloaded", slog.String("path", f.path), slog.Int("users", f.Len()))
			}
			if f.onReload != nil {
				f.onReload(err)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Debug("credentials watcher error", slog.String("err", err.Error()))
		}
	}
}
