package lpd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Control holds the fields of a control file that the server records.
type Control struct {
	Host    string
	User    string
	JobName string
	Source  string
}

// ParseControl reads the H, P, J and N lines of a control file. Other lines
// are ignored. Values are stripped of control characters.
func ParseControl(data []byte) Control {
	var c Control
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 {
			continue
		}
		val := cleanValue(line[1:])
		switch line[0] {
		case 'H':
			c.Host = val
		case 'P':
			c.User = val
		case 'J':
			c.JobName = val
		case 'N':
			c.Source = val
		}
	}
	return c
}

func cleanValue(v string) string {
	v = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, v)
	v = strings.TrimSpace(v)
	if len(v) > 255 {
		v = v[:255]
	}
	return v
}

// BuildControl renders a minimal control file printing dataFile once.
func BuildControl(host, user, jobName, docName, dataFile string) string {
	lines := []string{
		"H" + host,
		"P" + user,
		"J" + jobName,
		"N" + docName,
		"U" + dataFile,
		"l" + dataFile,
	}
	return strings.Join(lines, "\n") + "\n"
}

type Client struct {
	Addr    string
	Queue   string
	Timeout time.Duration
}

type Job struct {
	Number  int
	User    string
	Name    string
	DocName string
	Data    io.Reader
	Size    int64
}

// Send submits job to the remote queue, control file first.
func (c Client) Send(ctx context.Context, job Job) error {
	addr := c.Addr
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "515")
	}
	queue := c.Queue
	if queue == "" {
		queue = "lp"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	if err := sendReceiveJob(rw, queue); err != nil {
		return errors.Wrap(err, "receive job")
	}

	hostName, _ := os.Hostname()
	if hostName == "" {
		hostName = "localhost"
	}
	user := job.User
	if user == "" {
		user = "anonymous"
	}
	jobName := job.Name
	if jobName == "" {
		jobName = "Untitled"
	}
	docName := job.DocName
	if docName == "" {
		docName = jobName
	}
	num := job.Number % 1000
	if num < 0 {
		num = -num
	}
	cfName := fmt.Sprintf("cfA%03d%s", num, hostName)
	dfName := fmt.Sprintf("dfA%03d%s", num, hostName)

	if err := sendControl(rw, cfName, []byte(BuildControl(hostName, user, jobName, docName, dfName))); err != nil {
		return errors.Wrap(err, "send control file")
	}
	if err := sendData(rw, dfName, job.Data, job.Size); err != nil {
		return errors.Wrap(err, "send data file")
	}
	return nil
}

// SendFile is Send for a file on disk.
func (c Client) SendFile(ctx context.Context, job Job, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	job.Data = f
	job.Size = info.Size()
	return c.Send(ctx, job)
}

func sendReceiveJob(rw *bufio.ReadWriter, queue string) error {
	if _, err := rw.WriteString(string([]byte{cmdReceiveJob}) + queue + "\n"); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	return readAck(rw)
}

func sendControl(rw *bufio.ReadWriter, name string, data []byte) error {
	if _, err := rw.WriteString(fmt.Sprintf("\x02%d %s\n", len(data), name)); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	if err := readAck(rw); err != nil {
		return err
	}
	if _, err := rw.Write(data); err != nil {
		return err
	}
	if err := rw.WriteByte(0x00); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	return readAck(rw)
}

func sendData(rw *bufio.ReadWriter, name string, data io.Reader, size int64) error {
	if data == nil {
		return errors.New("no data")
	}
	if _, err := rw.WriteString(fmt.Sprintf("\x03%d %s\n", size, name)); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	if err := readAck(rw); err != nil {
		return err
	}
	if _, err := io.CopyN(rw, data, size); err != nil {
		return err
	}
	if err := rw.WriteByte(0x00); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	return readAck(rw)
}

func readAck(rw *bufio.ReadWriter) error {
	b, err := rw.ReadByte()
	if err != nil {
		return err
	}
	if b != 0 {
		return errors.Errorf("lpd error: %d", b)
	}
	return nil
}
