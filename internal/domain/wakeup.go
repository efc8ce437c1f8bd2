package domain

import (
	"strings"
	"time"
)

const DefaultMaxOutputTokens = 8192

// WakeupRequest is one heartbeat call.
type WakeupRequest struct {
	AccountID       AccountID
	Model           string
	Prompt          string
	MaxOutputTokens int
}

// WakeupResponse is a successful heartbeat. Token counts, TraceID and
// ResponseID are only populated by the legacy transport.
type WakeupResponse struct {
	Reply            string        `json:"reply"`
	PromptTokens     *int64        `json:"promptTokens,omitempty"`
	CompletionTokens *int64        `json:"completionTokens,omitempty"`
	TotalTokens      *int64        `json:"totalTokens,omitempty"`
	TraceID          string        `json:"traceId,omitempty"`
	ResponseID       string        `json:"responseId,omitempty"`
	Duration         time.Duration `json:"-"`
}

type TransportMode string

const (
	TransportGateway TransportMode = "client_gateway"
	TransportLegacy  TransportMode = "legacy"
)

// ModelOption is one selectable model returned by the model listing.
type ModelOption struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	ModelConstant string `json:"modelConstant"`
}

// ParseTransportMode maps a configured mode name to a transport. Gateway
// spellings are case-insensitive; any other non-empty value selects legacy.
func ParseTransportMode(raw string) TransportMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "client_gateway", "client-gateway", "gateway":
		return TransportGateway
	default:
		return TransportLegacy
	}
}
