package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/pkg/errors"

	"printgate/internal/model"
)

type ippBackend struct{}

func init() {
	Register(ippBackend{})
}

func (ippBackend) Schemes() []string {
	return []string{"ipp", "ipps"}
}

func (ippBackend) Submit(ctx context.Context, printer model.Printer, job Job, filePath string) error {
	if printer.URI == "" {
		return errors.New("missing printer URI")
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	payload, err := buildPrintJobRequest(printer.URI, job).EncodeBytes()
	if err != nil {
		return err
	}

	httpURL := ippHTTPURL(printer.URI)
	body := io.MultiReader(bytes.NewBuffer(payload), f)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", goipp.ContentType)
	httpReq.Header.Set("Accept", goipp.ContentType)

	client := &http.Client{Transport: ippTransport(printer.URI), Timeout: 5 * time.Minute}
	resp, err := client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return errors.New(resp.Status)
	}
	ippResp := &goipp.Message{}
	if err := ippResp.Decode(resp.Body); err != nil {
		return errors.Wrap(err, "decode ipp response")
	}
	status := goipp.Status(ippResp.Code)
	if status >= goipp.StatusRedirectionOtherSite {
		return errors.New(status.String())
	}
	return nil
}

func buildPrintJobRequest(uri string, job Job) *goipp.Message {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpPrintJob, uint32(time.Now().UnixNano()))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))
	user := job.User
	if user == "" {
		user = "anonymous"
	}
	req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(user)))
	jobName := job.Name
	if jobName == "" {
		jobName = "Untitled"
	}
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(jobName)))
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(DocumentFormat(jobName))))

	for _, attr := range jobAttributes(job.Settings) {
		req.Job.Add(attr)
	}
	return req
}

func jobAttributes(s model.JobSettings) []goipp.Attribute {
	copies := s.Copies
	if copies < 1 {
		copies = 1
	}
	sides := "one-sided"
	if s.Duplex {
		sides = "two-sided-long-edge"
	}
	mode := "monochrome"
	if s.ColorMode == model.ColorColor {
		mode = "color"
	}
	out := []goipp.Attribute{
		goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(copies)),
		goipp.MakeAttribute("sides", goipp.TagKeyword, goipp.String(sides)),
		goipp.MakeAttribute("print-color-mode", goipp.TagKeyword, goipp.String(mode)),
	}
	if media := mediaKeyword(s.PaperSize); media != "" {
		out = append(out, goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String(media)))
	}
	switch s.Priority {
	case model.PriorityHigh:
		out = append(out, goipp.MakeAttribute("job-priority", goipp.TagInteger, goipp.Integer(80)))
	case model.PriorityLow:
		out = append(out, goipp.MakeAttribute("job-priority", goipp.TagInteger, goipp.Integer(20)))
	}
	return out
}

var mediaNames = map[string]string{
	"a3":     "iso_a3_297x420mm",
	"a4":     "iso_a4_210x297mm",
	"a5":     "iso_a5_148x210mm",
	"letter": "na_letter_8.5x11in",
	"legal":  "na_legal_8.5x14in",
}

func mediaKeyword(paper string) string {
	p := strings.ToLower(strings.TrimSpace(paper))
	if p == "" {
		return ""
	}
	if m, ok := mediaNames[p]; ok {
		return m
	}
	return p
}

// ippHTTPURL maps ipp:// and ipps:// to the HTTP URL carrying the request.
func ippHTTPURL(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	switch strings.ToLower(u.Scheme) {
	case "ipp":
		u.Scheme = "http"
		if u.Port() == "" {
			u.Host += ":631"
		}
	case "ipps":
		u.Scheme = "https"
		if u.Port() == "" {
			u.Host += ":631"
		}
	}
	return u.String()
}

func ippTransport(uri string) *http.Transport {
	u, _ := url.Parse(uri)
	insecure := strings.ToLower(os.Getenv("PRINTGATE_IPP_INSECURE"))
	skipVerify := insecure == "1" || insecure == "true" || insecure == "yes" || insecure == "on"
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if u != nil && strings.EqualFold(u.Scheme, "ipps") && skipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return &http.Transport{
		TLSClientConfig: tlsConfig,
	}
}
