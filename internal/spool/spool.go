package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"printgate/internal/apperr"
)

// AllowedExtensions lists the upload types accepted for printing.
var AllowedExtensions = []string{"pdf", "doc", "docx", "png", "jpg", "jpeg", "gif", "txt"}

type Spool struct {
	Dir       string
	OutputDir string
	// MaxSize caps a saved payload in bytes. Zero means no cap.
	MaxSize int64
}

func (s Spool) Ensure() error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return err
	}
	if s.OutputDir != "" {
		if err := os.MkdirAll(s.OutputDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func Allowed(fileName string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext == "" {
		return false
	}
	for _, a := range AllowedExtensions {
		if a == ext {
			return true
		}
	}
	return false
}

// Save stores an uploaded payload under a unique name and returns the
// stored name, its path and the byte count. A partial file is removed on
// failure.
func (s Spool) Save(fileName string, r io.Reader) (string, string, int64, error) {
	if err := s.Ensure(); err != nil {
		return "", "", 0, apperr.Wrap(apperr.KindSpoolIO, "spool save", err)
	}
	stored := uuid.NewString() + "_" + sanitizeFileName(filepath.Base(fileName))
	path := filepath.Join(s.Dir, stored)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", "", 0, apperr.Wrap(apperr.KindSpoolIO, "spool save", err)
	}

	src := r
	if s.MaxSize > 0 {
		src = io.LimitReader(r, s.MaxSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.MaxSize > 0 && n > s.MaxSize {
		err = apperr.New(apperr.KindValidation, "spool save", "payload exceeds %d bytes", s.MaxSize)
	}
	if err != nil {
		_ = os.Remove(path)
		if apperr.KindOf(err) != "" {
			return "", "", 0, err
		}
		return "", "", 0, apperr.Wrap(apperr.KindSpoolIO, "spool save", err)
	}
	return stored, path, n, nil
}

// QueueDir is the directory holding raw submissions for a line-printer queue.
func (s Spool) QueueDir(queue string) string {
	return filepath.Join(s.Dir, "queues", sanitizeFileName(queue))
}

// CreateQueueFile opens a new file for a raw submission from clientIP. Names
// follow YYYYMMDD_HHMMSS_<ip>.raw with a numeric suffix on collision.
func (s Spool) CreateQueueFile(queue, clientIP string, now time.Time) (*os.File, error) {
	dir := s.QueueDir(queue)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.Wrap(apperr.KindSpoolIO, "spool queue file", err)
	}
	ip := strings.NewReplacer(".", "-", ":", "-").Replace(clientIP)
	if ip == "" {
		ip = "unknown"
	}
	base := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFileName(ip))
	for i := 0; i < 1000; i++ {
		name := base + ".raw"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.raw", base, i)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, apperr.Wrap(apperr.KindSpoolIO, "spool queue file", err)
		}
	}
	return nil, apperr.New(apperr.KindSpoolIO, "spool queue file", "no free name for %s", base)
}

// OutputPath is where simulated output for a job is written. It falls back
// to the spool directory when no output directory is configured.
func (s Spool) OutputPath(jobID int64, fileName string) string {
	dir := s.OutputDir
	if dir == "" {
		dir = s.Dir
	}
	base := fmt.Sprintf("job-%d", jobID)
	if fileName != "" {
		base = base + "-" + sanitizeFileName(fileName)
	}
	return filepath.Join(dir, base)
}

// Remove deletes a payload. A missing file is not an error.
func (s Spool) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func sanitizeFileName(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' || r < 0x20 {
			continue
		}
		clean = append(clean, r)
	}
	out := strings.Trim(string(clean), ". ")
	if out == "" {
		return "document"
	}
	return out
}
