package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identifiable is implemented by principals that own jobs.
type Identifiable interface {
	Identity() int64
	Name() string
}

// Authenticatable is implemented by principals that can act on jobs.
type Authenticatable interface {
	Identifiable
	IsAdministrator() bool
	IsActive() bool
}

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	PINHash      string
	CardHash     string
	Role         Role
	DepartmentID *int64
	Balance      decimal.Decimal
	QuotaLimit   int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) Identity() int64       { return u.ID }
func (u User) Name() string          { return u.Username }
func (u User) IsAdministrator() bool { return u.Role == RoleAdmin }
func (u User) IsActive() bool        { return u.Active }

var _ Authenticatable = User{}

type ColorMode string

const (
	ColorBW    ColorMode = "bw"
	ColorColor ColorMode = "color"
)

func ParseColorMode(s string) (ColorMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bw", "mono", "monochrome", "grayscale":
		return ColorBW, true
	case "color", "colour":
		return ColorColor, true
	}
	return "", false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "high":
		return PriorityHigh, true
	}
	return "", false
}

// JobSettings are the caller-supplied attributes that determine a job's cost.
type JobSettings struct {
	Pages     int
	Copies    int
	ColorMode ColorMode
	Duplex    bool
	PaperSize string
	Priority  Priority
}

type PrintJob struct {
	ID           int64
	UserID       int64
	FileName     string
	OriginalName string
	FilePath     string
	Copies       int
	ColorMode    ColorMode
	Duplex       bool
	PaperSize    string
	TotalPages   int
	TotalCost    decimal.Decimal
	Status       JobStatus
	PrinterID    *int64
	PrintCode    string
	PolicyID     *int64
	Priority     Priority
	Notes        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ReleasedAt   *time.Time
}

func (j PrintJob) Settings() JobSettings {
	return JobSettings{
		Pages:     j.TotalPages,
		Copies:    j.Copies,
		ColorMode: j.ColorMode,
		Duplex:    j.Duplex,
		PaperSize: j.PaperSize,
		Priority:  j.Priority,
	}
}

// ChargedPages is the page count debited from the quota for this job.
func (j PrintJob) ChargedPages() int {
	return j.TotalPages * j.Copies
}

type PriceList struct {
	ID           int64
	Name         string
	BWRate       decimal.Decimal
	ColorRate    decimal.Decimal
	DuplexRate   decimal.Decimal
	DepartmentID *int64
	Role         Role
	IsDefault    bool
	Active       bool
	CreatedAt    time.Time
}

// PrintPolicy modifies resolved pricing. Zero thresholds and ceilings are
// not enforced.
type PrintPolicy struct {
	ID                   int64
	Name                 string
	ColorMultiplier      decimal.Decimal
	BWMultiplier         decimal.Decimal
	MaxPagesPerJob       int
	MaxCopies            int
	ForceDuplexOverPages int
	ForceBWOverPages     int
	DepartmentID         *int64
	Role                 Role
	Active               bool
	CreatedAt            time.Time
}

const PeriodMonthly = "monthly"

type QuotaPeriod struct {
	ID           int64
	UserID       int64
	PeriodType   string
	Start        time.Time
	End          time.Time
	PageLimit    int
	CostLimit    decimal.NullDecimal
	PagesPrinted int
	ColorPages   int
	BWPages      int
	TotalCost    decimal.Decimal
	JobCount     int
	UpdatedAt    time.Time
}

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueClaimed QueueStatus = "claimed"
)

// QueueEntry is a submission received over the line-printer protocol.
// Username is whatever the client declared and is not authenticated.
type QueueEntry struct {
	ID          int64
	FileName    string
	SpoolPath   string
	SizeBytes   int64
	QueueName   string
	ClientHost  string
	Username    string
	UserTrusted bool
	JobName     string
	OriginHost  string
	Status      QueueStatus
	ReceivedAt  time.Time
	ReleasedAt  *time.Time
	JobID       *int64
}

type Printer struct {
	ID        int64
	Name      string
	URI       string
	Location  string
	Accepting bool
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
