package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Uploader accepts a named file.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (UploadResult, error)
}

// inboxSettle is how long a file must stay unchanged before it is uploaded.
const inboxSettle = 300 * time.Millisecond

// WatchInbox uploads files created or written in dir until ctx is cancelled.
// Files already present at start are uploaded too. Hidden files are ignored.
// Writes are debounced so a file being copied in is read once it settles;
// the content hash makes repeated uploads of the same file harmless.
func WatchInbox(ctx context.Context, dir string, up Uploader, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	logger.Info("inbox: started", "dir", dir)

	pending := make(map[string]time.Time)
	upload := func(path string) {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("inbox: read failed", "path", path, "error", err)
			return
		}
		res, err := up.Upload(ctx, filepath.Base(path), data)
		if err != nil {
			logger.Warn("inbox: upload failed", "path", path, "error", err)
			return
		}
		logger.Debug("inbox: uploaded", "path", path, "source_id", res.SourceID, "message", res.Message)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !hidden(e.Name()) {
			upload(filepath.Join(dir, e.Name()))
		}
	}

	ticker := time.NewTicker(inboxSettle / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("inbox: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if hidden(filepath.Base(ev.Name)) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[ev.Name] = time.Now()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
			}

		case now := <-ticker.C:
			for path, changed := range pending {
				if now.Sub(changed) < inboxSettle {
					continue
				}
				delete(pending, path)
				if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
					continue
				}
				upload(path)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("inbox: error", "error", watchErr)
		}
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
