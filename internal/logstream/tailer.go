package logstream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Tailer streams appended lines from a single log file. It tolerates the
// file not existing yet (the updater creates the update log lazily) and
// follows truncation by re-reading from the start.
type Tailer struct {
	logger zerolog.Logger
	path   string
}

func NewTailer(logger zerolog.Logger, path string) *Tailer {
	return &Tailer{
		logger: logger.With().Str("component", "logstream").Str("file", path).Logger(),
		path:   path,
	}
}

// ReadLast returns up to n trailing lines of the file. Missing file means
// no lines, not an error.
func (t *Tailer) ReadLast(n int) ([]string, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return []string{}, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Follow sends complete appended lines on the returned channel until the
// context ends. The channel is closed on return. It watches the parent
// directory so a log file created after Follow starts is still picked up.
func (t *Tailer) Follow(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan string, 64)
	go t.follow(ctx, watcher, out)
	return out, nil
}

func (t *Tailer) follow(ctx context.Context, watcher *fsnotify.Watcher, out chan<- string) {
	defer close(out)
	defer watcher.Close()

	var offset int64
	if fi, err := os.Stat(t.path); err == nil {
		// Start at the current end: ReadLast covers history.
		offset = fi.Size()
	}
	// Fallback poll: fsnotify can miss writes on some filesystems.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	emit := func() {
		lines, newOffset, err := readFrom(t.path, offset)
		if err != nil {
			t.logger.Debug().Err(err).Msg("tail read failed")
			return
		}
		if newOffset < offset {
			// Truncated (log rotation): restart from the top.
			offset = 0
			lines, newOffset, err = readFrom(t.path, 0)
			if err != nil {
				return
			}
		}
		offset = newOffset

		for _, line := range lines {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != t.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				emit()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn().Err(err).Msg("watcher error")
		case <-ticker.C:
			emit()
		}
	}
}

// readFrom returns the complete lines appended after offset and the new
// offset. A trailing fragment without a newline is left for the next read.
func readFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if fi.Size() < offset {
		return nil, fi.Size(), nil
	}
	if fi.Size() == offset {
		return nil, offset, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}

	text := string(data)
	last := strings.LastIndexByte(text, '\n')
	if last < 0 {
		// No complete line yet.
		return nil, offset, nil
	}
	complete := text[:last]
	newOffset := offset + int64(last) + 1

	return strings.Split(complete, "\n"), newOffset, nil
}
