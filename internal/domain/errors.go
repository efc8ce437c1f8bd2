package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrGroupNotFound        = errors.New("group not found")
	ErrSecretNotFound       = errors.New("secret not found")
	ErrAuthExpired          = errors.New("authorization expired")
	ErrForbidden            = errors.New("cloud code access forbidden")
	ErrNoAccountsSelected   = errors.New("no accounts selected")
	ErrNoResolvableAccounts = errors.New("no matching accounts")
	ErrNoPreparedContext    = errors.New("no prepared start context")
	ErrSessionNotFound      = errors.New("cascade session not found")
	ErrBinaryNotFound       = errors.New("language server binary not found")
)

// UpstreamHTTPError is a non-2xx answer from an upstream HTTP endpoint.
type UpstreamHTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *UpstreamHTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300]
	}
	if body == "" {
		return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s returned status %d: %s", e.URL, e.StatusCode, body)
}

func (e *UpstreamHTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

func (e *UpstreamHTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// NetworkError wraps transport failures (dial, TLS, reset, timeout).
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed frame, body or message.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Op + ": " + e.Reason
}

type SubprocessStage string

const (
	SubprocessStageSpawn            SubprocessStage = "spawn"
	SubprocessStageHandshakeTimeout SubprocessStage = "handshake_timeout"
	SubprocessStageUnexpectedExit   SubprocessStage = "unexpected_exit"
	SubprocessStageCallbackClosed   SubprocessStage = "callback_closed"
)

type SubprocessError struct {
	Stage SubprocessStage
	Err   error
}

func (e *SubprocessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("language server %s", e.Stage)
	}
	return fmt.Sprintf("language server %s: %v", e.Stage, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// ModelResolutionError is returned when an alias cannot be mapped to a numeric model id.
// Err carries the underlying cause when there is one.
type ModelResolutionError struct {
	Alias  string
	Reason string
	Err    error
}

func (e *ModelResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve model %q: %s", e.Alias, e.Reason)
	}
	return fmt.Sprintf("resolve model %q: %s: %v", e.Alias, e.Reason, e.Err)
}

func (e *ModelResolutionError) Unwrap() error { return e.Err }
