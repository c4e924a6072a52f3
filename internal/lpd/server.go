// Package lpd implements the subset of the RFC 1179 line printer protocol
// used to receive raw jobs from legacy clients, and the matching client.
package lpd

import (
	"bufio"
	"context"
	"database/sql"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/spool"
	"printgate/internal/store"
)

const (
	cmdReceiveJob = 0x02

	subTerminator = 0x00
	subAbort      = 0x01
	subControl    = 0x02
	subData       = 0x03

	maxLine = 1024
)

var (
	ack  = []byte{0x00}
	nack = []byte{0x01}
)

// Server receives LPD jobs and records each data file as a queue entry.
type Server struct {
	Addr  string
	Store *store.Store
	Spool spool.Spool
	// IdleTimeout bounds every read. A connection that stalls longer is
	// closed and any partially received data file is discarded.
	IdleTimeout time.Duration
	// TrustedNets marks submissions from these networks as carrying a
	// trustworthy username.
	TrustedNets []*net.IPNet
	// MaxDataSize refuses data files declared larger than this. Zero means
	// no limit.
	MaxDataSize int64
	Log         *logrus.Entry
	Now         func() time.Time

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

func (s *Server) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "lpd")
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ListenAndServe listens on s.Addr (":515" when empty) and serves until ctx
// is cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if strings.TrimSpace(addr) == "" {
		addr = ":515"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "lpd listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// ListenAddr returns the bound address once serving has started.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on ln until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	s.log().WithField("addr", ln.Addr().String()).Info("lpd listening")
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff < time.Second {
					backoff *= 2
				}
				s.log().WithError(err).Warnf("accept failed; retrying in %v", backoff)
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, "lpd accept")
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting connections and waits for open ones to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

// idleReader pushes the read deadline forward before every read.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	return r.conn.Read(p)
}

type dataFile struct {
	path string
	name string
	size int64
}

type session struct {
	conn   net.Conn
	r      *bufio.Reader
	log    *logrus.Entry
	queue  string
	client string

	user       string
	jobName    string
	originHost string
	files      []dataFile
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	client := remoteIP(conn.RemoteAddr())
	sess := &session{
		conn:   conn,
		r:      bufio.NewReader(idleReader{conn: conn, timeout: s.IdleTimeout}),
		log:    s.log().WithField("client", client),
		client: client,
	}

	if err := s.receive(sess); err != nil {
		sess.log.WithError(err).Warn("lpd connection aborted")
		sess.discard()
		return
	}
	if len(sess.files) == 0 {
		return
	}
	// Bytes already acknowledged are recorded even while shutting down.
	if err := s.persist(context.WithoutCancel(ctx), sess); err != nil {
		sess.log.WithError(err).Error("failed to record lpd submission")
		sess.discard()
	}
}

func (s *Server) receive(sess *session) error {
	cmd, err := sess.r.ReadByte()
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "lpd command", err)
	}
	if cmd != cmdReceiveJob {
		return apperr.New(apperr.KindProtocol, "lpd command", "unsupported command 0x%02x", cmd)
	}
	queue, err := readLine(sess.r)
	if err != nil {
		return err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return apperr.New(apperr.KindProtocol, "lpd command", "missing queue name")
	}
	sess.queue = queue
	sess.log = sess.log.WithField("queue", queue)
	sess.ack()

	for {
		sub, err := sess.r.ReadByte()
		if err != nil {
			// End of the job. A stall here loses nothing already received.
			return nil
		}
		switch sub {
		case subTerminator:
			// Optional NUL after a control or data file.
			continue
		case subAbort:
			if _, err := readLine(sess.r); err != nil {
				return err
			}
			sess.discard()
			sess.files = nil
			sess.ack()
			sess.log.Info("client aborted job")
			return nil
		case subControl:
			if err := s.receiveControl(sess); err != nil {
				return err
			}
		case subData:
			done, err := s.receiveData(sess)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			return apperr.New(apperr.KindProtocol, "lpd subcommand", "unexpected subcommand 0x%02x", sub)
		}
	}
}

func (s *Server) receiveControl(sess *session) error {
	size, name, err := readHeader(sess.r)
	if err != nil {
		return err
	}
	if size > maxControlSize {
		_, _ = sess.conn.Write(nack)
		return apperr.New(apperr.KindProtocol, "lpd control", "control file %s too large (%d bytes)", name, size)
	}
	sess.ack()
	buf := make([]byte, size)
	if _, err := io.ReadFull(sess.r, buf); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "lpd control", err)
	}
	sess.ack()

	ctl := ParseControl(buf)
	if ctl.User != "" {
		sess.user = ctl.User
	}
	if ctl.JobName != "" {
		sess.jobName = ctl.JobName
	}
	if ctl.Host != "" {
		sess.originHost = ctl.Host
	}
	return nil
}

const maxControlSize = 64 * 1024

// receiveData spools one data file. It reports done when the client closed
// the stream before the declared size was reached.
func (s *Server) receiveData(sess *session) (bool, error) {
	size, name, err := readHeader(sess.r)
	if err != nil {
		return false, err
	}
	if s.MaxDataSize > 0 && size > s.MaxDataSize {
		_, _ = sess.conn.Write(nack)
		return false, apperr.New(apperr.KindProtocol, "lpd data", "data file %s too large (%d bytes)", name, size)
	}
	f, err := s.Spool.CreateQueueFile(sess.queue, sess.client, s.now())
	if err != nil {
		_, _ = sess.conn.Write(nack)
		return false, err
	}
	sess.ack()

	var n int64
	if size > 0 {
		n, err = io.CopyN(f, sess.r, size)
	} else {
		n, err = io.Copy(f, sess.r)
		if s.MaxDataSize > 0 && n > s.MaxDataSize {
			err = apperr.New(apperr.KindProtocol, "lpd data", "data file %s exceeds %d bytes", name, s.MaxDataSize)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = apperr.Wrap(apperr.KindSpoolIO, "lpd data", cerr)
	}
	entry := dataFile{path: f.Name(), name: name, size: n}

	switch {
	case err == nil && size == 0:
		sess.files = append(sess.files, entry)
		return true, nil
	case err == nil:
		sess.files = append(sess.files, entry)
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		sess.log.WithFields(logrus.Fields{"file": name, "declared": size, "received": n}).Warn("data file truncated")
		sess.files = append(sess.files, entry)
		return true, nil
	default:
		_ = os.Remove(entry.path)
		if os.IsTimeout(err) {
			return false, apperr.New(apperr.KindProtocol, "lpd data", "idle timeout after %d of %d bytes", n, size)
		}
		return false, err
	}

	sess.ack()
	return false, nil
}

func (s *Server) persist(ctx context.Context, sess *session) error {
	trusted := s.trusted(sess.client)
	user := sess.user
	if user == "" {
		user = "unknown"
	}
	return s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		for _, f := range sess.files {
			entry, err := s.Store.CreateQueueEntry(ctx, tx, model.QueueEntry{
				FileName:    filepath.Base(f.path),
				SpoolPath:   f.path,
				SizeBytes:   f.size,
				QueueName:   sess.queue,
				ClientHost:  sess.client,
				Username:    user,
				UserTrusted: trusted,
				JobName:     sess.jobName,
				OriginHost:  sess.originHost,
				ReceivedAt:  s.now().UTC(),
			})
			if err != nil {
				return err
			}
			sess.log.WithFields(logrus.Fields{"entry": entry.ID, "user": user, "trusted": trusted, "bytes": f.size}).Info("lpd job received")
		}
		return nil
	})
}

func (s *Server) trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range s.TrustedNets {
		if n != nil && n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (sess *session) ack() {
	if _, err := sess.conn.Write(ack); err != nil {
		sess.log.WithError(err).Warn("failed to send ack")
	}
}

func (sess *session) discard() {
	for _, f := range sess.files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			sess.log.WithError(err).Warn("failed to remove spool file")
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(line) > maxLine {
		return "", apperr.New(apperr.KindProtocol, "lpd read", "line too long")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindProtocol, "lpd read", err)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func readHeader(r *bufio.Reader) (int64, string, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, "", err
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, "", apperr.New(apperr.KindProtocol, "lpd header", "malformed header %q", line)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return 0, "", apperr.New(apperr.KindProtocol, "lpd header", "bad size %q", fields[0])
	}
	return size, fields[1], nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ParseTrustedNets parses a comma separated list of CIDRs or bare addresses.
func ParseTrustedNets(value string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, errors.Errorf("invalid address %q", part)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			part = ip.String() + "/" + strconv.Itoa(bits)
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid network %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
