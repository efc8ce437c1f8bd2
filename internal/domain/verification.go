package domain

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
)

type VerificationStatus string

const (
	VerificationIdle                 VerificationStatus = "idle"
	VerificationSuccess              VerificationStatus = "success"
	VerificationVerificationRequired VerificationStatus = "verification_required"
	VerificationAuthExpired          VerificationStatus = "auth_expired"
	VerificationFailed               VerificationStatus = "failed"
)

// HistoryLimit caps the number of retained batch records.
const HistoryLimit = 100

// VerificationStateItem is the latest known verification status of one account.
type VerificationStateItem struct {
	AccountID     AccountID          `json:"accountId"`
	AccountEmail  string             `json:"accountEmail"`
	Status        VerificationStatus `json:"status"`
	LastVerifyAt  time.Time          `json:"lastVerifyAt,omitzero"`
	LastModel     string             `json:"lastModel,omitempty"`
	LastErrorCode *int64             `json:"lastErrorCode,omitempty"`
	LastMessage   string             `json:"lastMessage,omitempty"`
	ValidationURL string             `json:"validationUrl,omitempty"`
	TrajectoryID  string             `json:"trajectoryId,omitempty"`
	DurationMS    int64              `json:"durationMs,omitempty"`
}

// BatchHistoryRecord is one completed batch run. Records are never mutated
// once appended.
type BatchHistoryRecord struct {
	BatchID                   string                  `json:"batchId"`
	StartedAt                 time.Time               `json:"startedAt"`
	VerifiedAt                time.Time               `json:"verifiedAt"`
	Model                     string                  `json:"model"`
	Prompt                    string                  `json:"prompt"`
	Total                     int                     `json:"total"`
	Completed                 int                     `json:"completed"`
	SuccessCount              int                     `json:"successCount"`
	VerificationRequiredCount int                     `json:"verificationRequiredCount"`
	AuthExpiredCount          int                     `json:"authExpiredCount"`
	FailedCount               int                     `json:"failedCount"`
	Items                     []VerificationStateItem `json:"items"`
}

// VerificationProgress is emitted after every completed item and once more
// with Running=false when the batch ends.
type VerificationProgress struct {
	BatchID                   string                 `json:"batchId"`
	Total                     int                    `json:"total"`
	Completed                 int                    `json:"completed"`
	SuccessCount              int                    `json:"successCount"`
	VerificationRequiredCount int                    `json:"verificationRequiredCount"`
	AuthExpiredCount          int                    `json:"authExpiredCount"`
	FailedCount               int                    `json:"failedCount"`
	Running                   bool                   `json:"running"`
	Item                      *VerificationStateItem `json:"item,omitempty"`
}

// Count folds one item status into the running totals.
func (p *VerificationProgress) Count(status VerificationStatus) {
	p.Completed++
	switch status {
	case VerificationSuccess:
		p.SuccessCount++
	case VerificationVerificationRequired:
		p.VerificationRequiredCount++
	case VerificationAuthExpired:
		p.AuthExpiredCount++
	default:
		p.FailedCount++
	}
	p.Running = p.Completed < p.Total
}

type VerificationOutcome struct {
	Status        VerificationStatus
	ErrorCode     *int64
	Message       string
	ValidationURL string
	TrajectoryID  string
}

// ClassifyVerificationFailure maps a wakeup error to a verification outcome.
// Structured errors win; the substring heuristic only applies to plain text.
func ClassifyVerificationFailure(err error) VerificationOutcome {
	if err == nil {
		return VerificationOutcome{Status: VerificationSuccess}
	}
	message := err.Error()

	var trajectoryErr *TrajectoryError
	if errors.As(err, &trajectoryErr) {
		return outcomeFromTrajectory(trajectoryErr)
	}
	if errors.Is(err, ErrAuthExpired) {
		return VerificationOutcome{Status: VerificationAuthExpired, ErrorCode: codePtr(http.StatusUnauthorized), Message: message}
	}
	if errors.Is(err, ErrForbidden) {
		return VerificationOutcome{Status: VerificationVerificationRequired, ErrorCode: codePtr(http.StatusForbidden), Message: message}
	}
	if parsed, ok := ParseTrajectoryErrorPayload(message); ok {
		return outcomeFromTrajectory(parsed)
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "authorization expired"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "unauthenticated"):
		return VerificationOutcome{Status: VerificationAuthExpired, ErrorCode: codePtr(http.StatusUnauthorized), Message: message}
	case strings.Contains(lower, "403"):
		return VerificationOutcome{Status: VerificationVerificationRequired, ErrorCode: codePtr(http.StatusForbidden), Message: message}
	default:
		return VerificationOutcome{Status: VerificationFailed, Message: message}
	}
}

func outcomeFromTrajectory(err *TrajectoryError) VerificationOutcome {
	status := VerificationFailed
	switch {
	case err.Kind == FailureVerificationRequired || (err.Code != nil && *err.Code == http.StatusForbidden):
		status = VerificationVerificationRequired
	case err.Code != nil && *err.Code == http.StatusUnauthorized:
		status = VerificationAuthExpired
	}
	return VerificationOutcome{
		Status:        status,
		ErrorCode:     err.Code,
		Message:       err.Message,
		ValidationURL: err.ValidationURL,
		TrajectoryID:  err.TrajectoryID,
	}
}

func codePtr(code int64) *int64 {
	return &code
}

// MergeHistory adds record to history, replacing any record with the same
// batch id, ordered newest first and capped at HistoryLimit.
func MergeHistory(history []BatchHistoryRecord, record BatchHistoryRecord) []BatchHistoryRecord {
	out := make([]BatchHistoryRecord, 0, len(history)+1)
	out = append(out, record)
	for _, existing := range history {
		if existing.BatchID != record.BatchID {
			out = append(out, existing)
		}
	}
	SortHistory(out)
	if len(out) > HistoryLimit {
		out = out[:HistoryLimit]
	}
	return out
}

// SortHistory orders records newest first by VerifiedAt.
func SortHistory(history []BatchHistoryRecord) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].VerifiedAt.After(history[j].VerifiedAt)
	})
}

// SortStateItems orders items by most recent verification, then email.
func SortStateItems(items []VerificationStateItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastVerifyAt.Equal(items[j].LastVerifyAt) {
			return items[i].LastVerifyAt.After(items[j].LastVerifyAt)
		}
		return items[i].AccountEmail < items[j].AccountEmail
	})
}
