// Package secure holds jobs until their owner authenticates at a printer.
//
// Print codes and release sessions live in memory only. After a restart
// held jobs remain in the store and can still be released with a PIN or a
// card; outstanding print codes are lost.
package secure

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"printgate/internal/apperr"
	"printgate/internal/jobs"
	"printgate/internal/model"
	"printgate/internal/store"
)

type Method string

const (
	MethodPIN       Method = "pin"
	MethodCard      Method = "card"
	MethodBadge     Method = "badge"
	MethodPrintCode Method = "print_code"
)

const (
	CodeLength         = 6
	DefaultCodeTTL     = 24 * time.Hour
	DefaultSessionTTL  = 5 * time.Minute
	DefaultMaxAttempts = 3
)

type Credentials struct {
	Username  string
	PIN       string
	Card      string
	PrintCode string
}

type codeEntry struct {
	jobID    int64
	userID   int64
	expires  time.Time
	attempts int
}

type releaseSession struct {
	userID    int64
	printerID *int64
	expires   time.Time
}

type Authenticator struct {
	Store       *store.Store
	Jobs        *jobs.Service
	Secret      []byte
	CodeTTL     time.Duration
	SessionTTL  time.Duration
	MaxAttempts int
	Log         *logrus.Entry
	Now         func() time.Time

	mu       sync.Mutex
	codes    map[string]*codeEntry
	sessions map[string]*releaseSession
	cron     *cron.Cron
}

func New(st *store.Store, svc *jobs.Service, secret []byte) *Authenticator {
	return &Authenticator{
		Store:       st,
		Jobs:        svc,
		Secret:      secret,
		CodeTTL:     DefaultCodeTTL,
		SessionTTL:  DefaultSessionTTL,
		MaxAttempts: DefaultMaxAttempts,
		codes:       map[string]*codeEntry{},
		sessions:    map[string]*releaseSession{},
	}
}

func (a *Authenticator) log() *logrus.Entry {
	if a.Log != nil {
		return a.Log
	}
	return logrus.WithField("component", "secure")
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) maxAttempts() int {
	if a.MaxAttempts > 0 {
		return a.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Start runs a periodic sweep of expired codes and sessions. Expiry is also
// enforced on every use, so the sweep only bounds memory.
func (a *Authenticator) Start() error {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", a.Sweep); err != nil {
		return errors.Wrap(err, "schedule sweep")
	}
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	c.Start()
	return nil
}

func (a *Authenticator) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (a *Authenticator) Sweep() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	purged := 0
	for code, e := range a.codes {
		if now.After(e.expires) || e.attempts >= a.maxAttempts() {
			delete(a.codes, code)
			purged++
		}
	}
	for token, s := range a.sessions {
		if now.After(s.expires) {
			delete(a.sessions, token)
			purged++
		}
	}
	if purged > 0 {
		a.log().WithField("purged", purged).Debug("swept secure release state")
	}
}

type Submission struct {
	PrintCode string
	JobID     int64
	Expires   time.Time
}

// SubmitSecure stores the upload as a HELD_SECURE job and issues a print
// code for it.
func (a *Authenticator) SubmitSecure(ctx context.Context, owner model.Identifiable, req jobs.SubmitRequest) (Submission, error) {
	code, err := a.reserveCode()
	if err != nil {
		return Submission{}, err
	}
	job, err := a.Jobs.SubmitHeld(ctx, owner, req, code)
	if err != nil {
		a.mu.Lock()
		delete(a.codes, code)
		a.mu.Unlock()
		return Submission{}, err
	}
	ttl := a.CodeTTL
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	expires := a.now().Add(ttl)
	a.mu.Lock()
	a.codes[code] = &codeEntry{jobID: job.ID, userID: job.UserID, expires: expires}
	a.mu.Unlock()

	a.log().WithFields(logrus.Fields{"job": job.ID, "user": owner.Name()}).Info("secure job held")
	return Submission{PrintCode: code, JobID: job.ID, Expires: expires}, nil
}

// reserveCode picks a code not currently in use and holds its slot.
func (a *Authenticator) reserveCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < CodeLength; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.codes == nil {
		a.codes = map[string]*codeEntry{}
	}
	for i := 0; i < 100; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", errors.Wrap(err, "generate print code")
		}
		code := fmt.Sprintf("%0*d", CodeLength, n.Int64())
		if _, taken := a.codes[code]; taken {
			continue
		}
		// Reserved entries never authenticate until filled in.
		a.codes[code] = &codeEntry{expires: a.now().Add(time.Minute), attempts: a.maxAttempts()}
		return code, nil
	}
	return "", errors.New("no free print code")
}

type Result struct {
	User    model.User
	Jobs    []model.PrintJob
	Token   string
	Expires time.Time
}

func authFailed() error {
	return apperr.New(apperr.KindAuthFailure, "authenticate", "authentication failed")
}

// Authenticate verifies credentials by method and opens a release session
// at printerID. Failures never say which part of the credential was wrong.
func (a *Authenticator) Authenticate(ctx context.Context, method Method, creds Credentials, printerID *int64) (Result, error) {
	var res Result
	err := a.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		if printerID != nil {
			p, err := a.Store.GetPrinterByID(ctx, tx, *printerID)
			if err != nil {
				return err
			}
			if !p.Accepting {
				return apperr.New(apperr.KindValidation, "authenticate", "printer %s is not available", p.Name)
			}
		}

		var user model.User
		var err error
		switch method {
		case MethodPIN:
			user, err = a.Store.VerifyPIN(ctx, tx, creds.Username, creds.PIN)
		case MethodCard, MethodBadge:
			if strings.TrimSpace(creds.Card) == "" {
				return authFailed()
			}
			user, err = a.Store.GetUserByCard(ctx, tx, creds.Card)
		case MethodPrintCode:
			var userID int64
			userID, err = a.redeemCode(ctx, tx, creds.PrintCode, creds.Username)
			if err == nil {
				user, err = a.Store.GetUserByID(ctx, tx, userID)
			}
		default:
			return apperr.New(apperr.KindUnsupported, "authenticate", "unknown method %q", method)
		}
		if err != nil {
			if apperr.IsNotFound(err) || apperr.IsAuthFailure(err) {
				return authFailed()
			}
			return err
		}
		if !user.IsActive() {
			return authFailed()
		}
		held, err := a.Store.ListHeldJobs(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		res.User = user
		res.Jobs = held
		return nil
	})
	if err != nil {
		if apperr.IsAuthFailure(err) {
			a.log().WithField("method", method).Warn("secure release authentication failed")
		}
		return Result{}, err
	}
	res.Token, res.Expires, err = a.openSession(res.User.ID, printerID)
	if err != nil {
		return Result{}, err
	}
	a.log().WithFields(logrus.Fields{"user": res.User.Username, "method": method, "held": len(res.Jobs)}).Info("secure release session opened")
	return res, nil
}

// redeemCode consumes one attempt on code. A code stops working after it is
// redeemed, once it expires, or after MaxAttempts failed uses. When username
// is given it must name the code's owner.
func (a *Authenticator) redeemCode(ctx context.Context, tx *sql.Tx, code, username string) (int64, error) {
	code = strings.TrimSpace(code)
	if len(code) != CodeLength {
		return 0, authFailed()
	}
	a.mu.Lock()
	e, ok := a.codes[code]
	if !ok || e.jobID == 0 {
		a.mu.Unlock()
		return 0, authFailed()
	}
	if a.now().After(e.expires) || e.attempts >= a.maxAttempts() {
		delete(a.codes, code)
		a.mu.Unlock()
		return 0, authFailed()
	}
	e.attempts++
	entry := *e
	a.mu.Unlock()

	if strings.TrimSpace(username) != "" {
		owner, err := a.Store.GetUserByID(ctx, tx, entry.userID)
		if err != nil && !apperr.IsNotFound(err) {
			return 0, err
		}
		if err != nil || !strings.EqualFold(owner.Username, strings.TrimSpace(username)) {
			a.mu.Lock()
			if cur, ok := a.codes[code]; ok && cur.attempts >= a.maxAttempts() {
				delete(a.codes, code)
			}
			a.mu.Unlock()
			return 0, authFailed()
		}
	}

	a.mu.Lock()
	delete(a.codes, code)
	a.mu.Unlock()
	return entry.userID, nil
}

func (a *Authenticator) openSession(userID int64, printerID *int64) (string, time.Time, error) {
	ttl := a.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	nonce := make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return "", time.Time{}, errors.Wrap(err, "generate session token")
	}
	expires := a.now().Add(ttl)
	payload := base64.RawURLEncoding.EncodeToString(nonce) + "." + strconv.FormatInt(userID, 10) + "." + strconv.FormatInt(expires.Unix(), 10)
	token := payload + "." + a.sign(payload)

	a.mu.Lock()
	if a.sessions == nil {
		a.sessions = map[string]*releaseSession{}
	}
	a.sessions[token] = &releaseSession{userID: userID, printerID: printerID, expires: expires}
	a.mu.Unlock()
	return token, expires, nil
}

func (a *Authenticator) sign(payload string) string {
	mac := hmac.New(sha256.New, a.Secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// takeSession validates token and removes it.
func (a *Authenticator) takeSession(token string) (releaseSession, bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 {
		return releaseSession{}, false
	}
	if !hmac.Equal([]byte(a.sign(token[:i])), []byte(token[i+1:])) {
		return releaseSession{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	if !ok {
		return releaseSession{}, false
	}
	delete(a.sessions, token)
	if a.now().After(s.expires) {
		return releaseSession{}, false
	}
	return *s, true
}

type ReleasedJob struct {
	JobID    int64
	FileName string
	Cost     decimal.Decimal
}

type ReleaseResult struct {
	Released  []ReleasedJob
	Skipped   map[int64]string
	TotalCost decimal.Decimal
}

// ReleaseSelected spends a session token on releasing jobIDs. Jobs that do
// not belong to the session's user, are no longer held, or cannot be paid
// for are skipped.
func (a *Authenticator) ReleaseSelected(ctx context.Context, token string, jobIDs []int64) (ReleaseResult, error) {
	sess, ok := a.takeSession(token)
	if !ok {
		return ReleaseResult{}, apperr.New(apperr.KindAuthFailure, "release selected", "invalid session")
	}
	var user model.User
	err := a.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		user, err = a.Store.GetUserByID(ctx, tx, sess.userID)
		return err
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	res := ReleaseResult{Skipped: map[int64]string{}, TotalCost: decimal.Zero}
	for _, id := range jobIDs {
		job, err := a.Jobs.Get(ctx, id)
		switch {
		case apperr.IsNotFound(err):
			res.Skipped[id] = "not found"
			continue
		case err != nil:
			return res, err
		case job.UserID != user.ID:
			res.Skipped[id] = "not owned"
			continue
		case job.Status != model.StatusHeldSecure:
			res.Skipped[id] = "not held"
			continue
		}
		job, err = a.Jobs.ReleaseHeld(ctx, id, user, sess.printerID)
		if err != nil {
			if !apperr.IsBusiness(err) {
				return res, err
			}
			res.Skipped[id] = string(apperr.KindOf(err))
			continue
		}
		a.forgetJob(id)
		res.Released = append(res.Released, ReleasedJob{JobID: id, FileName: job.OriginalName, Cost: job.TotalCost})
		res.TotalCost = res.TotalCost.Add(job.TotalCost)
	}
	a.log().WithFields(logrus.Fields{"user": user.Username, "released": len(res.Released), "skipped": len(res.Skipped), "total": res.TotalCost.StringFixed(2)}).Info("secure jobs released")
	return res, nil
}

func (a *Authenticator) forgetJob(jobID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for code, e := range a.codes {
		if e.jobID == jobID {
			delete(a.codes, code)
		}
	}
}

type PanelMethod struct {
	Type        Method
	Name        string
	Description string
	Enabled     bool
}

type Panel struct {
	PrinterID      int64
	PrinterName    string
	Methods        []PanelMethod
	CodeLength     int
	SessionTimeout time.Duration
}

// PanelConfig describes the authentication options offered at a printer.
func (a *Authenticator) PanelConfig(ctx context.Context, printerID int64) (Panel, error) {
	var p model.Printer
	err := a.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		p, err = a.Store.GetPrinterByID(ctx, tx, printerID)
		return err
	})
	if err != nil {
		return Panel{}, err
	}
	ttl := a.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return Panel{
		PrinterID:   p.ID,
		PrinterName: p.Name,
		Methods: []PanelMethod{
			{Type: MethodCard, Name: "ID Card", Description: "Tap your ID card", Enabled: p.Accepting},
			{Type: MethodPIN, Name: "Username + PIN", Description: "Enter username and PIN", Enabled: p.Accepting},
			{Type: MethodPrintCode, Name: "Print Code", Description: fmt.Sprintf("Enter %d-digit print code", CodeLength), Enabled: p.Accepting},
			{Type: MethodBadge, Name: "Proximity Badge", Description: "Hold badge near reader", Enabled: p.Accepting},
		},
		CodeLength:     CodeLength,
		SessionTimeout: ttl,
	}, nil
}
