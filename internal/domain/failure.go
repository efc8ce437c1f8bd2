package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type FailureKind string

const (
	FailureVerificationRequired FailureKind = "verification_required"
	FailureQuota                FailureKind = "quota"
	FailureTemporary            FailureKind = "temporary"
	FailureGeneric              FailureKind = "generic"
)

// ErrorPayloadPrefix marks a message that carries a JSON-encoded TrajectoryError.
const ErrorPayloadPrefix = "AG_WAKEUP_ERROR_JSON:"

// ClassifyErrorCode maps a vendor error code to a failure kind.
func ClassifyErrorCode(code *int64) FailureKind {
	if code == nil {
		return FailureGeneric
	}
	switch *code {
	case 403:
		return FailureVerificationRequired
	case 429:
		return FailureQuota
	case 4, 8, 13, 14:
		return FailureTemporary
	default:
		return FailureGeneric
	}
}

// TrajectoryError is a structured terminal failure reported by a cascade.
type TrajectoryError struct {
	Kind             FailureKind
	Message          string
	Code             *int64
	ValidationURL    string
	TrajectoryID     string
	ErrorMessageJSON json.RawMessage
	StepJSON         json.RawMessage
}

func (e *TrajectoryError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s (code %d)", e.Message, *e.Code)
	}
	return e.Message
}

type trajectoryErrorPayload struct {
	Version          int             `json:"version"`
	Kind             FailureKind     `json:"kind"`
	Message          string          `json:"message"`
	ErrorCode        *int64          `json:"errorCode,omitempty"`
	ValidationURL    string          `json:"validationUrl,omitempty"`
	TrajectoryID     string          `json:"trajectoryId,omitempty"`
	ErrorMessageJSON json.RawMessage `json:"errorMessageJson,omitempty"`
	StepJSON         json.RawMessage `json:"stepJson,omitempty"`
}

func (e *TrajectoryError) MarshalJSON() ([]byte, error) {
	return json.Marshal(trajectoryErrorPayload{
		Version:          1,
		Kind:             e.Kind,
		Message:          e.Message,
		ErrorCode:        e.Code,
		ValidationURL:    e.ValidationURL,
		TrajectoryID:     e.TrajectoryID,
		ErrorMessageJSON: e.ErrorMessageJSON,
		StepJSON:         e.StepJSON,
	})
}

// Payload renders the error as a prefixed string for text-only consumers.
func (e *TrajectoryError) Payload() string {
	data, err := e.MarshalJSON()
	if err != nil {
		return e.Error()
	}
	return ErrorPayloadPrefix + string(data)
}

// ParseTrajectoryErrorPayload extracts a TrajectoryError from a message
// containing ErrorPayloadPrefix.
func ParseTrajectoryErrorPayload(message string) (*TrajectoryError, bool) {
	idx := strings.Index(message, ErrorPayloadPrefix)
	if idx < 0 {
		return nil, false
	}
	var payload trajectoryErrorPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(message[idx+len(ErrorPayloadPrefix):])), &payload); err != nil {
		return nil, false
	}
	kind := payload.Kind
	if kind == "" {
		kind = ClassifyErrorCode(payload.ErrorCode)
	}
	return &TrajectoryError{
		Kind:             kind,
		Message:          payload.Message,
		Code:             payload.ErrorCode,
		ValidationURL:    payload.ValidationURL,
		TrajectoryID:     payload.TrajectoryID,
		ErrorMessageJSON: payload.ErrorMessageJSON,
		StepJSON:         payload.StepJSON,
	}, true
}
