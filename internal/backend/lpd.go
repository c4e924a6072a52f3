package backend

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"printgate/internal/lpd"
	"printgate/internal/model"
)

type lpdBackend struct{}

func init() {
	Register(lpdBackend{})
}

func (lpdBackend) Schemes() []string {
	return []string{"lpd"}
}

// Submit forwards the job to a remote line printer daemon at
// lpd://host[:port]/queue.
func (lpdBackend) Submit(ctx context.Context, printer model.Printer, job Job, filePath string) error {
	u, err := url.Parse(printer.URI)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("invalid lpd uri")
	}
	client := lpd.Client{
		Addr:    u.Host,
		Queue:   strings.TrimPrefix(u.Path, "/"),
		Timeout: 2 * time.Minute,
	}
	return client.SendFile(ctx, lpd.Job{
		Number:  int(job.ID),
		User:    job.User,
		Name:    job.Name,
		DocName: job.Name,
	}, filePath)
}
