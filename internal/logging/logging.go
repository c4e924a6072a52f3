package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Options struct {
	ErrorPath  string
	AccessPath string
	PagePath   string
	MaxSize    int64
	Level      string
	JSON       bool
}

type manager struct {
	errorLog  *RotatingFile
	accessLog *RotatingFile
	pageLog   *RotatingFile
}

var (
	globalMu sync.RWMutex
	global   = manager{}
)

// Configure opens the error, access and page logs and returns a logger
// writing to the error log.
func Configure(opts Options) *logrus.Logger {
	globalMu.Lock()
	for _, old := range []*RotatingFile{global.errorLog, global.accessLog, global.pageLog} {
		_ = old.Close()
	}
	global.errorLog = NewRotatingFile(opts.ErrorPath, opts.MaxSize)
	global.accessLog = NewRotatingFile(opts.AccessPath, opts.MaxSize)
	global.pageLog = NewRotatingFile(opts.PagePath, opts.MaxSize)
	globalMu.Unlock()

	logger := logrus.New()
	logger.SetOutput(ErrorWriter())
	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func ErrorWriter() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.errorLog != nil && global.errorLog.Enabled() {
		return global.errorLog
	}
	return os.Stderr
}

func Access(line string) {
	globalMu.RLock()
	logger := global.accessLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}

func Page(line string) {
	globalMu.RLock()
	logger := global.pageLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}
