package db

import (
	"time"
)

// Failure reasons stored on a job record. The validation reasons are
// user-facing and surfaced verbatim by the job status API.
const (
	FailColorDisabled      = "color disabled"
	FailInsufficientQuota  = "insufficient quota"
	FailTooManyPages       = "too many pages"
	FailInvalidDestination = "invalid destination"
	FailTransfer           = "could not send to destination"
	FailInternal           = "internal error"
	FailTimeout            = "timed out"
	FailCancelled          = "cancelled"
)

type PrintJob struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Username     string     `json:"username"`
	FileName     string     `json:"file_name"`
	FilePath     *string    `json:"file_path,omitempty"`
	Received     *time.Time `json:"received,omitempty"`
	Processed    *time.Time `json:"processed,omitempty"`
	Printed      *time.Time `json:"printed,omitempty"`
	Failed       *time.Time `json:"failed,omitempty"`
	DeleteDataOn *time.Time `json:"delete_data_on,omitempty"`
	Pages        int        `json:"pages"`
	ColorPages   int        `json:"color_pages"`
	Destination  *int64     `json:"destination,omitempty"`
	Eta          int64      `json:"eta"`
	Refunded     bool       `json:"refunded"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Terminal reports whether the job reached a final state. Terminal jobs
// accept no further pipeline mutation; only the refunded flag may change.
func (j *PrintJob) Terminal() bool {
	return j.Printed != nil || j.Failed != nil
}

// Status derives the lifecycle state from the recorded timestamps.
func (j *PrintJob) Status() string {
	switch {
	case j.Failed != nil:
		return "failed"
	case j.Printed != nil:
		return "printed"
	case j.Destination != nil:
		return "transferring"
	case j.Processed != nil:
		return "analyzed"
	case j.Received != nil:
		return "received"
	default:
		return "created"
	}
}

type PrintQueue struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Destinations []int64   `json:"destinations"`
	Strategy     string    `json:"strategy"`
	CreatedAt    time.Time `json:"created_at"`
}

type Destination struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Up               bool      `json:"up"`
	PagesPerMinute   float64   `json:"pages_per_minute"`
	DownReason       string    `json:"down_reason,omitempty"`
	DownReporter     string    `json:"down_reporter,omitempty"`
	TransferPath     string    `json:"transfer_path,omitempty"`
	TransferDomain   string    `json:"-"`
	TransferUser     string    `json:"-"`
	TransferPassword string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	ColorEnabled bool      `json:"color_enabled"`
	Groups       []string  `json:"groups"`
	Semesters    []string  `json:"semesters"`
	CreatedAt    time.Time `json:"created_at"`
}
