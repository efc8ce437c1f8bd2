package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/google/uuid"
)

type conversation struct {
	mu        sync.Mutex
	state     domain.ConversationState
	model     string
	maxTokens int
	updatedAt time.Time
}

// DirectBackend serves cascades without a language server: each send runs
// one wakeup through waker and the trajectory is rendered from the
// conversation state.
type DirectBackend struct {
	waker         ports.Waker
	clock         ports.Clock
	conversations *Registry[*conversation]
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDirectBackend(waker ports.Waker, clock ports.Clock, logger *slog.Logger) *DirectBackend {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DirectBackend{
		waker:         waker,
		clock:         clock,
		conversations: NewRegistry[*conversation](),
		logger:        logger.With("component", "gateway", "backend", BackendDirect),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (b *DirectBackend) StartCascade(_ context.Context, prepared PreparedStartContext, _ []byte) ([]byte, error) {
	now := b.clock.Now()
	cascadeID := uuid.NewString()
	b.conversations.Put(cascadeID, &conversation{
		state: domain.ConversationState{
			CascadeID:    cascadeID,
			TrajectoryID: "traj_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			AccountID:    prepared.AccountID,
			Status:       domain.ConversationIdle,
			CreatedAt:    now,
		},
		model:     prepared.Model,
		maxTokens: prepared.MaxOutputTokens,
		updatedAt: now,
	})
	return json.Marshal(map[string]string{"cascadeId": cascadeID})
}

type sendMessageRequest struct {
	CascadeID     string            `json:"cascadeId"`
	Items         []json.RawMessage `json:"items"`
	CascadeConfig json.RawMessage   `json:"cascadeConfig"`
}

func (b *DirectBackend) SendUserCascadeMessage(_ context.Context, cascadeID string, body []byte) ([]byte, error) {
	convo, ok := b.conversations.Get(cascadeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, cascadeID)
	}

	var req sendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &domain.ProtocolError{Op: "decode SendUserCascadeMessage", Reason: err.Error()}
	}
	prompt := promptFromItems(req.Items)
	if prompt == "" {
		return nil, &domain.ProtocolError{Op: "decode SendUserCascadeMessage", Reason: "items carry no text"}
	}
	model, maxTokens := modelFromCascadeConfig(req.CascadeConfig)

	convo.mu.Lock()
	if convo.state.Status == domain.ConversationRunning {
		convo.mu.Unlock()
		return nil, fmt.Errorf("cascade %s is already running", cascadeID)
	}
	if convo.model == "" {
		convo.model = model
	}
	if convo.maxTokens == 0 {
		convo.maxTokens = maxTokens
	}
	now := b.clock.Now()
	convo.state.Begin(prompt, now)
	convo.updatedAt = now
	wakeReq := domain.WakeupRequest{
		AccountID:       convo.state.AccountID,
		Model:           convo.model,
		Prompt:          prompt,
		MaxOutputTokens: convo.maxTokens,
	}
	convo.mu.Unlock()

	go b.run(convo, wakeReq)
	return []byte(`{}`), nil
}

func (b *DirectBackend) run(convo *conversation, req domain.WakeupRequest) {
	resp, err := b.waker.Wakeup(b.ctx, req)

	convo.mu.Lock()
	defer convo.mu.Unlock()

	now := b.clock.Now()
	convo.updatedAt = now
	if err != nil {
		b.logger.Warn("direct wakeup failed", "cascade_id", convo.state.CascadeID, "error", err)
		convo.state.Fail(err.Error(), domain.ClassifyVerificationFailure(err).ErrorCode, now)
		return
	}
	convo.state.Complete(resp.Reply, now)
}

func (b *DirectBackend) GetCascadeTrajectory(_ context.Context, cascadeID string, _ []byte) ([]byte, error) {
	convo, ok := b.conversations.Get(cascadeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, cascadeID)
	}

	convo.mu.Lock()
	defer convo.mu.Unlock()

	status := "IDLE"
	if convo.state.Status == domain.ConversationRunning {
		status = "RUNNING"
	}
	return json.Marshal(map[string]any{
		"status": status,
		"trajectory": map[string]any{
			"trajectoryId": convo.state.TrajectoryID,
			"steps":        renderSteps(convo.state, convo.updatedAt),
		},
	})
}

func (b *DirectBackend) DeleteCascadeTrajectory(_ context.Context, cascadeID string, _ []byte) ([]byte, error) {
	if _, ok := b.conversations.Remove(cascadeID); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, cascadeID)
	}
	return []byte(`{}`), nil
}

func (b *DirectBackend) Close() {
	b.cancel()
	b.conversations.Drain()
}

func renderSteps(state domain.ConversationState, updatedAt time.Time) []any {
	if state.Prompt == "" {
		return []any{}
	}

	started := state.StartedAt
	if started.IsZero() {
		started = updatedAt
	}
	finished := state.FinishedAt
	if finished.IsZero() {
		finished = updatedAt
	}

	steps := []any{map[string]any{
		"status": "DONE",
		"step": map[string]any{
			"case": domain.StepCaseUserInput,
			"value": map[string]any{
				"isQueuedMessage":  false,
				"items":            []any{map[string]any{"chunk": map[string]any{"case": "text", "value": state.Prompt}}},
				"media":            []any{},
				"artifactComments": []any{},
				"fileDiffComments": []any{},
				"fileComments":     []any{},
			},
		},
		"metadata": stepMetadata(state.TrajectoryID, 0, started),
	}}

	switch state.Status {
	case domain.ConversationRunning:
		steps = append(steps, map[string]any{
			"status":   "RUNNING",
			"step":     map[string]any{"case": domain.StepCasePlannerResponse, "value": map[string]any{"thinking": state.Thinking}},
			"metadata": stepMetadata(state.TrajectoryID, 1, updatedAt),
		})
	case domain.ConversationDone:
		steps = append(steps, map[string]any{
			"status": "DONE",
			"step": map[string]any{"case": domain.StepCasePlannerResponse, "value": map[string]any{
				"modifiedResponse":   state.Reply,
				"thinking":           state.Thinking,
				"thinkingDuration":   protoDuration(state.ThinkingDuration()),
				"recitationMetadata": map[string]any{"recitations": []any{}},
			}},
			"metadata": stepMetadata(state.TrajectoryID, 1, finished),
		})
	case domain.ConversationError:
		steps = append(steps, map[string]any{
			"status":   "ERROR",
			"step":     map[string]any{"case": domain.StepCaseErrorMessage, "value": errorStepValue(state)},
			"metadata": stepMetadata(state.TrajectoryID, 1, finished),
		})
	}
	return steps
}

func errorStepValue(state domain.ConversationState) map[string]any {
	value := map[string]any{
		"shouldShowUser":   true,
		"userErrorMessage": state.Error,
	}
	if state.ErrorCode != nil {
		value["errorCode"] = *state.ErrorCode
	}
	return value
}

func stepMetadata(trajectoryID string, index int, at time.Time) map[string]any {
	return map[string]any{
		"createdAt":  protoTimestamp(at),
		"viewableAt": protoTimestamp(at),
		"sourceTrajectoryStepInfo": map[string]any{
			"trajectoryId": trajectoryID,
			"stepIndex":    index,
		},
	}
}

func protoTimestamp(at time.Time) map[string]any {
	return map[string]any{"seconds": strconv.FormatInt(at.Unix(), 10), "nanos": at.Nanosecond()}
}

func protoDuration(d time.Duration) map[string]any {
	return map[string]any{"seconds": strconv.FormatInt(int64(max(d, 0)/time.Second), 10), "nanos": 0}
}

// promptFromItems joins the text of every item: a plain "text" field, an
// item.chunk of case "text", or item.text.
func promptFromItems(items []json.RawMessage) string {
	var parts []string
	for _, raw := range items {
		var item struct {
			Text string `json:"text"`
			Item *struct {
				Chunk *struct {
					Case  string `json:"case"`
					Value string `json:"value"`
				} `json:"chunk"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if text := strings.TrimSpace(item.Text); text != "" {
			parts = append(parts, text)
			continue
		}
		if item.Item == nil {
			continue
		}
		if chunk := item.Item.Chunk; chunk != nil && chunk.Case == "text" {
			if text := strings.TrimSpace(chunk.Value); text != "" {
				parts = append(parts, text)
				continue
			}
		}
		if text := strings.TrimSpace(item.Item.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// modelFromCascadeConfig reads plannerConfig.requestedModel (alias, then
// model) and maxOutputTokens from plannerConfig or checkpointConfig.
func modelFromCascadeConfig(raw json.RawMessage) (string, int) {
	if len(raw) == 0 {
		return "", 0
	}
	var cfg struct {
		PlannerConfig struct {
			RequestedModel struct {
				Alias json.RawMessage `json:"alias"`
				Model json.RawMessage `json:"model"`
			} `json:"requestedModel"`
			MaxOutputTokens json.RawMessage `json:"maxOutputTokens"`
		} `json:"plannerConfig"`
		CheckpointConfig struct {
			MaxOutputTokens json.RawMessage `json:"maxOutputTokens"`
		} `json:"checkpointConfig"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", 0
	}

	model := scalarString(cfg.PlannerConfig.RequestedModel.Alias)
	if model == "" {
		model = scalarString(cfg.PlannerConfig.RequestedModel.Model)
	}
	maxTokens, _ := strconv.Atoi(scalarString(cfg.PlannerConfig.MaxOutputTokens))
	if maxTokens <= 0 {
		maxTokens, _ = strconv.Atoi(scalarString(cfg.CheckpointConfig.MaxOutputTokens))
	}
	return model, max(maxTokens, 0)
}

// scalarString renders a JSON string or number as trimmed text.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
