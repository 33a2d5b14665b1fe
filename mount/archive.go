package mount

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/advdv/hbridge"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// archive is an fs.FS over the contents of a zip file. When watched, the contents are swapped atomically after the
// file was replaced. Requests that already opened a file keep reading the old contents.
type archive struct {
	path    string
	logs    *zap.Logger
	current atomic.Pointer[zip.Reader]

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func openArchive(path string, watch bool, logs *zap.Logger) (*archive, error) {
	a := &archive{path: path, logs: logs.With(zap.String("archive", path))}
	if err := a.reload(); err != nil {
		return nil, errors.Wrapf(hbridge.ErrConfigInvalid, "%v", err)
	}

	if !watch {
		return a, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "init archive watcher")
	}

	// the directory is watched so replacing the file by a rename is noticed
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, errors.Wrap(err, "watch archive directory")
	}

	a.watcher, a.done = w, make(chan struct{})
	a.wg.Add(1)
	go a.watch()

	return a, nil
}

// reload reads the archive into memory and swaps it in.
func (a *archive) reload() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return errors.Wrap(err, "read archive")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrap(err, "open archive")
	}

	a.current.Store(zr)

	return nil
}

func (a *archive) watch() {
	defer a.wg.Done()

	name := filepath.Clean(a.path)
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			if err := a.reload(); err != nil {
				a.logs.Warn("failed to reload archive, keeping previous contents", zap.Error(err))
				continue
			}

			a.logs.Info("archive reloaded")
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}

			a.logs.Warn("archive watcher error", zap.Error(err))
		}
	}
}

// Open implements fs.FS.
func (a *archive) Open(name string) (fs.File, error) {
	return a.current.Load().Open(name) //nolint:wrapcheck
}

// Close stops watching the archive.
func (a *archive) Close() error {
	if a.watcher == nil {
		return nil
	}

	close(a.done)
	err := a.watcher.Close()
	a.wg.Wait()
	a.watcher = nil

	return errors.Wrap(err, "close archive watcher")
}
