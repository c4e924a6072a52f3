package backend

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"printgate/internal/model"
)

type fileBackend struct{}

func init() {
	Register(fileBackend{})
}

func (fileBackend) Schemes() []string {
	return []string{"file"}
}

// Submit copies the document to the path in the printer URI. A URI ending in
// a slash names a drop directory; each job lands there as "<id>-<name>".
// Output appears under its final name only once fully written.
func (fileBackend) Submit(ctx context.Context, printer model.Printer, job Job, filePath string) error {
	target, err := fileTarget(printer.URI, job, filePath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	src, err := os.Open(filePath)
	if err != nil {
		return errors.Wrap(err, "open document")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".printgate-*")
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	_, err = io.Copy(tmp, src)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), target)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrapf(err, "write %s", target)
	}
	return nil
}

func fileTarget(uri string, job Job, filePath string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrap(err, "parse printer uri")
	}
	if !strings.EqualFold(u.Scheme, "file") || u.Path == "" {
		return "", errors.Errorf("invalid file uri %q", uri)
	}
	if !strings.HasSuffix(u.Path, "/") {
		return filepath.FromSlash(u.Path), nil
	}
	name := filepath.Base(job.Name)
	if name == "." || name == "/" || name == "" {
		name = filepath.Base(filePath)
	}
	return filepath.Join(filepath.FromSlash(u.Path), fmt.Sprintf("%d-%s", job.ID, name)), nil
}
