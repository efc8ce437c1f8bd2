package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token Token
		want  bool
	}{
		{name: "missing access token", token: Token{RefreshToken: "r"}, want: true},
		{name: "no expiry", token: Token{AccessToken: "a"}, want: false},
		{name: "expires later", token: Token{AccessToken: "a", ExpiryTimestamp: now.Add(time.Hour).Unix()}, want: false},
		{name: "inside skew", token: Token{AccessToken: "a", ExpiryTimestamp: now.Add(2 * time.Minute).Unix()}, want: true},
		{name: "expired", token: Token{AccessToken: "a", ExpiryTimestamp: now.Add(-time.Minute).Unix()}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.NeedsRefresh(now, 5*time.Minute))
		})
	}
}

func TestTokenEncodeDecodeKeepsExpiry(t *testing.T) {
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	token := Token{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3600, ProjectID: "p-1"}.WithExpiry(now)

	raw, err := EncodeToken(token)
	require.NoError(t, err)

	decoded, err := DecodeToken(raw)
	require.NoError(t, err)
	assert.True(t, now.Add(time.Hour).Equal(decoded.ExpiresAt()))
	assert.Equal(t, "p-1", decoded.ProjectID)

	_, err = EncodeToken(Token{})
	require.Error(t, err)
}

func TestAccountShortIDAndLabel(t *testing.T) {
	account := Account{ID: "0123456789abcdef"}
	assert.Equal(t, "01234567", account.ShortID())
	assert.Equal(t, "0123456789abcdef", account.Label())

	account.Email = "user@example.com"
	assert.Equal(t, "user@example.com", account.Label())
	assert.Equal(t, "ab", Account{ID: "ab"}.ShortID())
}

func TestClassifyErrorCode(t *testing.T) {
	tests := []struct {
		code *int64
		want FailureKind
	}{
		{code: nil, want: FailureGeneric},
		{code: codePtr(403), want: FailureVerificationRequired},
		{code: codePtr(429), want: FailureQuota},
		{code: codePtr(4), want: FailureTemporary},
		{code: codePtr(8), want: FailureTemporary},
		{code: codePtr(13), want: FailureTemporary},
		{code: codePtr(14), want: FailureTemporary},
		{code: codePtr(500), want: FailureGeneric},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyErrorCode(tt.code))
	}
}

func TestTrajectoryErrorPayloadRoundTrip(t *testing.T) {
	original := &TrajectoryError{
		Kind:          FailureVerificationRequired,
		Message:       "verify your account",
		Code:          codePtr(403),
		ValidationURL: "https://accounts.example.com/verify",
		TrajectoryID:  "traj-1",
		StepJSON:      json.RawMessage(`{"status":"ERROR"}`),
	}

	parsed, ok := ParseTrajectoryErrorPayload("wakeup failed: " + original.Payload())
	require.True(t, ok)
	assert.Equal(t, original.Kind, parsed.Kind)
	assert.Equal(t, original.Message, parsed.Message)
	require.NotNil(t, parsed.Code)
	assert.Equal(t, int64(403), *parsed.Code)
	assert.Equal(t, original.ValidationURL, parsed.ValidationURL)
	assert.JSONEq(t, `{"status":"ERROR"}`, string(parsed.StepJSON))

	_, ok = ParseTrajectoryErrorPayload("plain failure")
	assert.False(t, ok)
}

func TestDecodeStepPlannerVariants(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		done  bool
		reply string
	}{
		{
			name:  "modified response",
			raw:   `{"status":"CORTEX_STEP_STATUS_DONE","plannerResponse":{"modifiedResponse":" X ","response":"ignored"}}`,
			done:  true,
			reply: "X",
		},
		{
			name:  "response string",
			raw:   `{"status":"DONE","plannerResponse":{"response":"hello"}}`,
			done:  true,
			reply: "hello",
		},
		{
			name:  "response text",
			raw:   `{"status":"DONE","plannerResponse":{"response":{"text":"hi"}}}`,
			done:  true,
			reply: "hi",
		},
		{
			name:  "candidate parts",
			raw:   `{"status":"DONE","plannerResponse":{"response":{"candidates":[{"content":{"parts":[{"text":""},{"text":"part"}]}}]}}}`,
			done:  true,
			reply: "part",
		},
		{
			name: "running",
			raw:  `{"status":"CORTEX_STEP_STATUS_RUNNING","plannerResponse":{"thinking":"Thinking"}}`,
		},
		{
			name:  "tagged union",
			raw:   `{"status":"DONE","step":{"case":"plannerResponse","value":{"modifiedResponse":"tagged"}}}`,
			done:  true,
			reply: "tagged",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := DecodeStep(json.RawMessage(tt.raw))
			require.NoError(t, err)
			require.Equal(t, StepKindPlannerResponse, step.Kind)
			require.NotNil(t, step.Planner)
			assert.Equal(t, tt.done, step.Planner.Done)
			assert.Equal(t, tt.reply, step.Planner.Reply)
		})
	}
}

func TestDecodeStepErrorMessage(t *testing.T) {
	raw := `{"status":"ERROR","errorMessage":{"error":{"userErrorMessage":"Verify your account","errorCode":"403",` +
		`"details":"{\"error\":{\"details\":[{\"@type\":\"type.googleapis.com/google.rpc.ErrorInfo\",\"reason\":\"VALIDATION_REQUIRED\",\"metadata\":{\"validation_url\":\"https://verify.example.com\"}}]}}"}}}`

	step, err := DecodeStep(json.RawMessage(raw))
	require.NoError(t, err)
	require.Equal(t, StepKindErrorMessage, step.Kind)
	require.NotNil(t, step.Failure)
	assert.Equal(t, "Verify your account", step.Failure.Message)
	require.NotNil(t, step.Failure.Code)
	assert.Equal(t, int64(403), *step.Failure.Code)
	assert.Equal(t, "https://verify.example.com", step.Failure.ValidationURL)
	assert.Equal(t, FailureVerificationRequired, ClassifyErrorCode(step.Failure.Code))
}

func TestDecodeStepErrorMessageDefaults(t *testing.T) {
	step, err := DecodeStep(json.RawMessage(`{"errorMessage":{"shortError":"","code":13}}`))
	require.NoError(t, err)
	assert.Equal(t, defaultStepErrorMessage, step.Failure.Message)
	require.NotNil(t, step.Failure.Code)
	assert.Equal(t, FailureTemporary, ClassifyErrorCode(step.Failure.Code))
}

func TestDecodeStepRejectsUnknownShape(t *testing.T) {
	_, err := DecodeStep(json.RawMessage(`{"status":"DONE","mystery":{}}`))
	require.ErrorIs(t, err, ErrUnrecognizedStep)

	step, err := DecodeStep(json.RawMessage(`{"toolCall":{"name":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, StepKindOther, step.Kind)
	assert.Equal(t, "toolCall", step.Case)
}

func TestDecodeTrajectory(t *testing.T) {
	body := []byte(`{"status":"CASCADE_RUN_STATUS_IDLE","trajectory":{"trajectoryId":"t-1","steps":[{"userInput":{}},{"plannerResponse":{}}]}}`)

	trajectory, err := DecodeTrajectory(body)
	require.NoError(t, err)
	assert.Equal(t, "CASCADE_RUN_STATUS_IDLE", trajectory.Status)
	assert.Equal(t, "t-1", trajectory.TrajectoryID)
	assert.Len(t, trajectory.Steps, 2)
}

func TestClassifyVerificationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want VerificationStatus
		code *int64
	}{
		{name: "nil", err: nil, want: VerificationSuccess},
		{name: "auth expired sentinel", err: fmt.Errorf("wakeup: %w", ErrAuthExpired), want: VerificationAuthExpired, code: codePtr(401)},
		{name: "forbidden sentinel", err: ErrForbidden, want: VerificationVerificationRequired, code: codePtr(403)},
		{name: "upstream 401", err: &UpstreamHTTPError{StatusCode: 401, URL: "u"}, want: VerificationAuthExpired, code: codePtr(401)},
		{name: "trajectory 403", err: &TrajectoryError{Kind: FailureGeneric, Message: "m", Code: codePtr(403)}, want: VerificationVerificationRequired, code: codePtr(403)},
		{name: "trajectory quota", err: &TrajectoryError{Kind: FailureQuota, Message: "m", Code: codePtr(429)}, want: VerificationFailed, code: codePtr(429)},
		{name: "heuristic unauthenticated", err: errors.New("request UNAUTHENTICATED"), want: VerificationAuthExpired, code: codePtr(401)},
		{name: "heuristic 403", err: errors.New("status 403 from proxy"), want: VerificationVerificationRequired, code: codePtr(403)},
		{name: "generic", err: errors.New("boom"), want: VerificationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := ClassifyVerificationFailure(tt.err)
			assert.Equal(t, tt.want, outcome.Status)
			assert.Equal(t, tt.code, outcome.ErrorCode)
		})
	}
}

func TestVerificationProgressCount(t *testing.T) {
	progress := VerificationProgress{Total: 3}
	progress.Count(VerificationSuccess)
	assert.True(t, progress.Running)
	progress.Count(VerificationAuthExpired)
	progress.Count(VerificationVerificationRequired)

	assert.False(t, progress.Running)
	assert.Equal(t, 3, progress.Completed)
	assert.Equal(t, 1, progress.SuccessCount)
	assert.Equal(t, 1, progress.AuthExpiredCount)
	assert.Equal(t, 1, progress.VerificationRequiredCount)
	assert.Zero(t, progress.FailedCount)
}

func TestNormalizeAccountIDs(t *testing.T) {
	got := NormalizeAccountIDs([]AccountID{" b ", "a", "", "b", "c", "a"})
	assert.Equal(t, []AccountID{"b", "a", "c"}, got)
}

func TestConversationStateTransitions(t *testing.T) {
	start := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	state := ConversationState{Status: ConversationIdle}

	state.Begin("hi", start)
	assert.Equal(t, ConversationRunning, state.Status)
	assert.Equal(t, "Thinking", state.Thinking)

	state.Complete("hello", start.Add(1500*time.Millisecond))
	assert.Equal(t, ConversationDone, state.Status)
	assert.Equal(t, 1500*time.Millisecond, state.ThinkingDuration())

	state.Begin("again", start.Add(2*time.Second))
	state.Fail("nope", nil, start.Add(3*time.Second))
	assert.Equal(t, ConversationError, state.Status)
	assert.Empty(t, state.Reply)
}

func TestParseTransportMode(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "client_gateway", " Client-Gateway ", "GATEWAY"} {
		assert.Equal(t, TransportGateway, ParseTransportMode(raw), raw)
	}
	for _, raw := range []string{"legacy", "direct", "anything"} {
		assert.Equal(t, TransportLegacy, ParseTransportMode(raw), raw)
	}
}

func TestMergeHistoryCapsAndReplaces(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var history []BatchHistoryRecord
	for i := range HistoryLimit + 5 {
		history = MergeHistory(history, BatchHistoryRecord{
			BatchID:    fmt.Sprintf("verify_%d", i),
			VerifiedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.Len(t, history, HistoryLimit)
	assert.Equal(t, fmt.Sprintf("verify_%d", HistoryLimit+4), history[0].BatchID)
	assert.Equal(t, "verify_5", history[HistoryLimit-1].BatchID)

	history = MergeHistory(history, BatchHistoryRecord{BatchID: "verify_50", VerifiedAt: base.Add(time.Hour * 24), Total: 7})
	require.Len(t, history, HistoryLimit)
	assert.Equal(t, "verify_50", history[0].BatchID)
	assert.Equal(t, 7, history[0].Total)
}

func TestSortStateItems(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []VerificationStateItem{
		{AccountEmail: "z@x", Status: VerificationIdle},
		{AccountEmail: "b@x", LastVerifyAt: now},
		{AccountEmail: "a@x", LastVerifyAt: now},
		{AccountEmail: "c@x", LastVerifyAt: now.Add(time.Minute)},
	}
	SortStateItems(items)

	got := make([]string, 0, len(items))
	for _, item := range items {
		got = append(got, item.AccountEmail)
	}
	assert.Equal(t, []string{"c@x", "a@x", "b@x", "z@x"}, got)
}
