// Package backend delivers released jobs to printers by URI scheme.
package backend

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"printgate/internal/model"
)

// Job is what a backend needs to know about the job being delivered.
type Job struct {
	ID       int64
	User     string
	Name     string
	Settings model.JobSettings
}

// NewJob describes job as submitted by user.
func NewJob(job model.PrintJob, user string) Job {
	name := job.OriginalName
	if name == "" {
		name = job.FileName
	}
	return Job{ID: job.ID, User: user, Name: name, Settings: job.Settings()}
}

type Backend interface {
	Schemes() []string
	Submit(ctx context.Context, printer model.Printer, job Job, filePath string) error
}

var registry struct {
	sync.RWMutex
	backends []Backend
}

func Register(b Backend) {
	if b == nil {
		return
	}
	registry.Lock()
	registry.backends = append(registry.backends, b)
	registry.Unlock()
}

// ForURI returns the backend serving uri's scheme, or nil.
func ForURI(uri string) Backend {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil
	}
	registry.RLock()
	defer registry.RUnlock()
	for _, b := range registry.backends {
		for _, s := range b.Schemes() {
			if strings.EqualFold(s, scheme) {
				return b
			}
		}
	}
	return nil
}

var documentFormats = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DocumentFormat guesses a MIME type from a file name.
func DocumentFormat(name string) string {
	if f, ok := documentFormats[strings.ToLower(filepath.Ext(name))]; ok {
		return f
	}
	return "application/octet-stream"
}
