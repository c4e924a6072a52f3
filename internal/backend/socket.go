package backend

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"

	"printgate/internal/model"
)

const appSocketPort = "9100"

type socketBackend struct {
	dialTimeout time.Duration
}

func init() {
	Register(socketBackend{dialTimeout: 5 * time.Second})
}

func (socketBackend) Schemes() []string {
	return []string{"socket"}
}

// Submit streams the document to an AppSocket (JetDirect) port once per
// copy, then half-closes the connection so the printer sees the end of the
// job. Cancelling ctx aborts the transfer.
func (b socketBackend) Submit(ctx context.Context, printer model.Printer, job Job, filePath string) error {
	u, err := url.Parse(printer.URI)
	if err != nil || u.Host == "" {
		return errors.Errorf("invalid socket uri %q", printer.URI)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), appSocketPort)
	}

	d := net.Dialer{Timeout: b.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrap(err, "open document")
	}
	defer f.Close()

	copies := job.Settings.Copies
	if copies < 1 {
		copies = 1
	}
	for i := 0; i < copies; i++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "rewind document")
		}
		if _, err := io.Copy(conn, f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "send copy %d to %s", i+1, addr)
		}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		return errors.Wrap(tc.CloseWrite(), "finish job")
	}
	return nil
}
