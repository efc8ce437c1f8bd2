package cloudcode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
)

const (
	streamGeneratePath = "/v1internal:streamGenerateContent?alt=sse"
	generateTimeout    = 30 * time.Second
	noReplyText        = "(no reply)"

	systemPrompt = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding." +
		"You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question." +
		"**Absolute paths only**" +
		"**Proactiveness**"
)

type GenerateRequest struct {
	AccessToken     string
	ProjectID       string
	Model           string
	Prompt          string
	MaxOutputTokens int
}

type generateBody struct {
	Project     string       `json:"project"`
	RequestID   string       `json:"requestId"`
	Model       string       `json:"model"`
	UserAgent   string       `json:"userAgent"`
	RequestType string       `json:"requestType"`
	Request     innerRequest `json:"request"`
}

type innerRequest struct {
	Contents          []content        `json:"contents"`
	SessionID         string           `json:"session_id"`
	SystemInstruction content          `json:"systemInstruction"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// Generate sends one prompt through streamGenerateContent with failover and
// returns the joined reply.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (domain.WakeupResponse, error) {
	started := c.now()
	ms := started.UnixMilli()

	body := generateBody{
		Project:     req.ProjectID,
		RequestID:   fmt.Sprintf("req_%d_%s", ms, randomSuffix(6)),
		Model:       req.Model,
		UserAgent:   userAgent,
		RequestType: "agent",
		Request: innerRequest{
			Contents:          []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
			SessionID:         fmt.Sprintf("sess_%d_%s", ms, randomSuffix(6)),
			SystemInstruction: content{Parts: []part{{Text: systemPrompt}}},
			GenerationConfig:  generationConfig{MaxOutputTokens: max(req.MaxOutputTokens, 0)},
		},
	}

	c.logger.Info("legacy wakeup request", "model", req.Model, "prompt", truncate(req.Prompt, 60), "max_output_tokens", req.MaxOutputTokens)

	var result streamResult
	err := c.withFailover(ctx, "streamGenerateContent", func(ctx context.Context, baseURL string) error {
		data, err := c.postJSON(ctx, baseURL, streamGeneratePath, req.AccessToken, body, generateTimeout)
		if err != nil {
			return err
		}
		parsed, err := parseStream(string(data))
		if err != nil {
			c.logger.Warn("unparseable stream", "base_url", baseURL, "raw", truncate(string(data), 2000))
			return err
		}
		result = parsed
		return nil
	})
	if err != nil {
		return domain.WakeupResponse{}, err
	}

	reply := strings.TrimSpace(result.text)
	if reply == "" {
		reply = noReplyText
	}
	c.logger.Info("legacy wakeup reply", "reply", truncate(reply, 1000), "trace_id", result.traceID)

	completion := int64(0)
	if result.completionTokens != nil {
		completion = *result.completionTokens
	}
	return domain.WakeupResponse{
		Reply:            reply,
		PromptTokens:     result.promptTokens,
		CompletionTokens: &completion,
		TotalTokens:      result.totalTokens,
		TraceID:          result.traceID,
		ResponseID:       result.responseID,
		Duration:         c.now().Sub(started),
	}, nil
}

type streamResult struct {
	text             string
	promptTokens     *int64
	completionTokens *int64
	totalTokens      *int64
	traceID          string
	responseID       string
}

type streamEvent struct {
	Response *streamPayload `json:"response"`
	streamPayload
	TraceID string `json:"traceId"`
}

type streamPayload struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int64 `json:"promptTokenCount"`
		CandidatesTokenCount *int64 `json:"candidatesTokenCount"`
		TotalTokenCount      *int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ResponseID string `json:"responseId"`
}

// parseStream accepts SSE "data:" lines, raw JSON lines, or a single JSON
// document (object or array).
func parseStream(raw string) (streamResult, error) {
	var events []streamEvent
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "data:"):
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if line == "" || line == "[DONE]" {
				continue
			}
		case strings.HasPrefix(line, "{"), strings.HasPrefix(line, "["):
		default:
			continue
		}
		events = append(events, decodeEvents(line)...)
	}

	if len(events) == 0 {
		events = decodeEvents(strings.TrimSpace(raw))
	}
	if len(events) == 0 {
		return streamResult{}, &domain.ProtocolError{Op: "parse stream", Reason: "stream received no data"}
	}

	var out streamResult
	var text strings.Builder
	for _, event := range events {
		payload := event.streamPayload
		if event.Response != nil {
			payload = *event.Response
		}
		if len(payload.Candidates) > 0 {
			for _, p := range payload.Candidates[0].Content.Parts {
				if p.Thought {
					continue
				}
				text.WriteString(p.Text)
			}
		}
		if usage := payload.UsageMetadata; usage != nil {
			if usage.PromptTokenCount != nil {
				out.promptTokens = usage.PromptTokenCount
			}
			if usage.CandidatesTokenCount != nil {
				out.completionTokens = usage.CandidatesTokenCount
			}
			if usage.TotalTokenCount != nil {
				out.totalTokens = usage.TotalTokenCount
			}
		}
		if event.TraceID != "" {
			out.traceID = event.TraceID
		}
		if payload.ResponseID != "" {
			out.responseID = payload.ResponseID
		}
	}
	out.text = text.String()
	return out, nil
}

func decodeEvents(raw string) []streamEvent {
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var many []streamEvent
		if err := json.Unmarshal([]byte(raw), &many); err == nil {
			return many
		}
		return nil
	}
	var one streamEvent
	if err := json.Unmarshal([]byte(raw), &one); err != nil {
		return nil
	}
	return []streamEvent{one}
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// GenerateContent adapts Generate to the legacy transport port.
func (c *Client) GenerateContent(ctx context.Context, accessToken, projectID string, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	return c.Generate(ctx, GenerateRequest{
		AccessToken:     accessToken,
		ProjectID:       projectID,
		Model:           req.Model,
		Prompt:          req.Prompt,
		MaxOutputTokens: req.MaxOutputTokens,
	})
}
