package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// RotatingFile appends log lines to a file and keeps one backup, "<path>.O".
// A write that would take the file past maxSize moves the current file to the
// backup first. "stderr", "-" and "stdout" write to the process streams;
// "", "none", "off" and "syslog" discard.
type RotatingFile struct {
	path    string
	maxSize int64

	mu     sync.Mutex
	stream io.Writer
	f      *os.File
	size   int64
}

func NewRotatingFile(path string, maxSize int64) *RotatingFile {
	path = strings.TrimSpace(path)
	r := &RotatingFile{path: path, maxSize: maxSize}
	switch strings.ToLower(path) {
	case "", "none", "off", "syslog":
		r.stream = io.Discard
	case "stderr", "-":
		r.stream = os.Stderr
	case "stdout":
		r.stream = os.Stdout
	}
	return r
}

func (r *RotatingFile) Enabled() bool {
	return r != nil && r.stream != io.Discard
}

func (r *RotatingFile) WriteLine(line string) error {
	if r == nil {
		return nil
	}
	_, err := r.Write([]byte(line + "\n"))
	return err
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return r.stream.Write(p)
	}
	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) open() error {
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create log dir")
		}
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat log")
	}
	r.f = f
	r.size = info.Size()
	return nil
}

// rotate closes the current file and moves it to the backup name. The next
// write reopens an empty file.
func (r *RotatingFile) rotate() error {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
	r.size = 0
	backup := r.path + ".O"
	_ = os.Remove(backup)
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "rotate log")
	}
	return r.open()
}

func (r *RotatingFile) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
