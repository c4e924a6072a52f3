package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"printgate/internal/lpd"
)

var errShowHelp = errors.New("show-help")

type options struct {
	server      string
	queue       string
	user        string
	title       string
	deleteFiles bool
	timeout     time.Duration
	files       []string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowHelp) {
		usage()
		return
	}
	if err != nil {
		fail(err)
	}

	client := lpd.Client{Addr: opts.server, Queue: opts.queue, Timeout: opts.timeout}
	ctx := context.Background()
	if len(opts.files) == 0 {
		if err := printStdin(ctx, client, opts); err != nil {
			fail(err)
		}
		return
	}
	for i, path := range opts.files {
		if err := printFile(ctx, client, opts, i+1, path); err != nil {
			fail(err)
		}
	}
}

func usage() {
	fmt.Println("Usage: lpr [options] [file(s)]")
	fmt.Println("Options:")
	fmt.Println("-H server[:port]        Connect to the named LPD server (default localhost:515)")
	fmt.Println("-P queue                Specify the destination queue")
	fmt.Println("-r                      Remove the file(s) after submission")
	fmt.Println("-T title                Specify the job title")
	fmt.Println("-U username             Specify the username sent with the job")
	fmt.Println("--timeout duration      Give up on a stalled server after this long")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lpr:", err)
	os.Exit(1)
}

func parseArgs(args []string) (options, error) {
	opts := options{}
	fs := pflag.NewFlagSet("lpr", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.server, "server", "H", envOr("PRINTGATE_LPD_SERVER", "localhost:515"), "LPD server")
	fs.StringVarP(&opts.queue, "printer", "P", envOr("PRINTER", "lp"), "destination queue")
	fs.StringVarP(&opts.user, "user", "U", currentUser(), "username")
	fs.StringVarP(&opts.title, "title", "T", "", "job title")
	fs.BoolVarP(&opts.deleteFiles, "remove", "r", false, "remove files after submission")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "connection timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, errShowHelp
		}
		return opts, err
	}
	opts.server = strings.TrimSpace(opts.server)
	opts.queue = strings.TrimSpace(opts.queue)
	if opts.server == "" {
		return opts, errors.New("no server given")
	}
	if opts.queue == "" {
		return opts, errors.New("no destination queue given")
	}
	for _, f := range fs.Args() {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return opts, fmt.Errorf("unable to access %q - %v", f, err)
		}
		opts.files = append(opts.files, f)
	}
	if opts.deleteFiles && len(opts.files) == 0 {
		return opts, errors.New("-r needs at least one file")
	}
	return opts, nil
}

func printFile(ctx context.Context, client lpd.Client, opts options, number int, path string) error {
	name := filepath.Base(path)
	title := opts.title
	if title == "" {
		title = name
	}
	job := lpd.Job{Number: jobNumber(number), User: opts.user, Name: title, DocName: name}
	if err := client.SendFile(ctx, job, path); err != nil {
		return err
	}
	if opts.deleteFiles {
		return os.Remove(path)
	}
	return nil
}

// printStdin buffers standard input so the data file can be sent with its
// exact size.
func printStdin(ctx context.Context, client lpd.Client, opts options) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("no data on standard input")
	}
	title := opts.title
	if title == "" {
		title = "(stdin)"
	}
	job := lpd.Job{Number: jobNumber(1), User: opts.user, Name: title, Data: bytes.NewReader(data), Size: int64(len(data))}
	return client.Send(ctx, job)
}

func jobNumber(seq int) int {
	return (os.Getpid() + seq) % 1000
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func currentUser() string {
	for _, key := range []string{"USER", "LOGNAME", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "anonymous"
}
