package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bnema/ag-wakeup/internal/adapters/auth"
	"github.com/bnema/ag-wakeup/internal/adapters/cloudcode"
	"github.com/bnema/ag-wakeup/internal/adapters/gateway"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTokens struct {
	err error
}

func (f fakeTokens) EnsureFreshToken(_ context.Context, id domain.AccountID) (domain.Account, domain.Token, error) {
	if f.err != nil {
		return domain.Account{}, domain.Token{}, f.err
	}
	return domain.Account{ID: id}, domain.Token{AccessToken: "access-" + string(id)}, nil
}

type fakeModels struct {
	mu      sync.Mutex
	catalog cloudcode.ModelCatalog
	err     error
	tokens  []string
}

func (f *fakeModels) FetchAvailableModels(_ context.Context, accessToken string) (cloudcode.ModelCatalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, accessToken)
	return f.catalog, f.err
}

func catalog() *fakeModels {
	return &fakeModels{catalog: cloudcode.ModelCatalog{Models: map[string]cloudcode.ModelMeta{
		"gemini-3.1-pro-high": {DisplayName: "Gemini 3.1 Pro (High)", ModelConstant: "MODEL_PLACEHOLDER_M37"},
		"gpt-oss-120b-medium": {ModelConstant: "MODEL_OPENAI_GPT_OSS_120B_MEDIUM"},
		"mystery":             {ModelConstant: "MODEL_SOMETHING_ELSE"},
		"blank":               {},
	}}}
}

// fakeGateway answers the five gateway calls and records them.
type fakeGateway struct {
	mu           sync.Mutex
	calls        []string
	bodies       map[string][]map[string]any
	polls        int
	trajectory   func(poll int) string
	startStatus  int
	deleteStatus int
}

func newFakeGateway(trajectory func(poll int) string) *fakeGateway {
	return &fakeGateway{bodies: map[string][]map[string]any{}, trajectory: trajectory}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	name := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, name)
	g.bodies[name] = append(g.bodies[name], body)

	w.Header().Set("Content-Type", "application/json")
	switch name {
	case "StartCascade":
		if g.startStatus != 0 {
			w.WriteHeader(g.startStatus)
			_, _ = w.Write([]byte(`{"error":"no prepared start context"}`))
			return
		}
		_, _ = w.Write([]byte(`{"cascadeId":"c-1"}`))
	case "GetCascadeTrajectory":
		g.polls++
		_, _ = w.Write([]byte(g.trajectory(g.polls)))
	case "DeleteCascadeTrajectory":
		if g.deleteStatus != 0 {
			w.WriteHeader(g.deleteStatus)
			_, _ = w.Write([]byte(`{"error":"gone"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (g *fakeGateway) snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func serveFake(t *testing.T, g *fakeGateway) string {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv.URL
}

func fastBridge(baseURL string, models ModelLister, opts ...Option) *Bridge {
	opts = append([]Option{WithBaseURL(baseURL), WithPolling(5*time.Millisecond, 200*time.Millisecond)}, opts...)
	return New(fakeTokens{}, models, opts...)
}

const runningTrajectory = `{"status":"CASCADE_RUN_STATUS_RUNNING","trajectory":{"trajectoryId":"t-1","steps":[
	{"status":"CORTEX_STEP_STATUS_DONE","step":{"case":"userInput","value":{"userResponse":"hi"}}},
	{"status":"CORTEX_STEP_STATUS_GENERATING","step":{"case":"plannerResponse","value":{"thinking":"..."}}}]}}`

const doneTrajectory = `{"status":"CASCADE_RUN_STATUS_IDLE","trajectory":{"trajectoryId":"t-1","steps":[
	{"status":"CORTEX_STEP_STATUS_DONE","step":{"case":"userInput","value":{"userResponse":"hi"}}},
	{"status":"CORTEX_STEP_STATUS_DONE","plannerResponse":{"response":{"candidates":[{"content":{"parts":[{"text":"  awake  "}]}}]}}}]}}`

func TestWakeupHappyPath(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(poll int) string {
		if poll < 3 {
			return runningTrajectory
		}
		return doneTrajectory
	})
	models := catalog()
	b := fastBridge(serveFake(t, fake), models)

	resp, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "gemini-3.1-pro-high", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "awake", resp.Reply)
	assert.Nil(t, resp.PromptTokens)
	assert.Empty(t, resp.TraceID)

	assert.Equal(t, []string{
		"prepareStartContext", "StartCascade", "SendUserCascadeMessage",
		"GetCascadeTrajectory", "GetCascadeTrajectory", "GetCascadeTrajectory",
		"DeleteCascadeTrajectory",
	}, fake.snapshot())
	assert.Equal(t, []string{"access-acct"}, models.tokens)

	prepare := fake.bodies["prepareStartContext"][0]
	assert.Equal(t, "acct", prepare["accountId"])
	assert.Equal(t, "gemini-3.1-pro-high", prepare["model"])

	send := fake.bodies["SendUserCascadeMessage"][0]
	assert.Equal(t, "c-1", send["cascadeId"])
	assert.Equal(t, []any{map[string]any{"text": "hi"}}, send["items"])
	cfg := send["cascadeConfig"].(map[string]any)
	planner := cfg["plannerConfig"].(map[string]any)
	assert.Equal(t, map[string]any{"model": float64(1037)}, planner["requestedModel"])
	assert.Equal(t, float64(domain.DefaultMaxOutputTokens), planner["maxOutputTokens"])
	assert.NotContains(t, planner, "planModel")
	assert.Equal(t, float64(domain.DefaultMaxOutputTokens), cfg["checkpointConfig"].(map[string]any)["maxOutputTokens"])

	assert.Equal(t, "c-1", fake.bodies["DeleteCascadeTrajectory"][0]["cascadeId"])
}

func TestWakeupTrajectoryErrorIsClassified(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(int) string {
		return `{"status":"CASCADE_RUN_STATUS_IDLE","trajectory":{"trajectoryId":"t-9","steps":[
			{"status":"CORTEX_STEP_STATUS_DONE","step":{"case":"userInput","value":{}}},
			{"status":"CORTEX_STEP_STATUS_ERROR","step":{"case":"errorMessage","value":{"error":{
				"userErrorMessage":"Verify your account to continue.","code":"403",
				"details":"{\"error\":{\"details\":[{\"@type\":\"type.googleapis.com/google.rpc.ErrorInfo\",\"reason\":\"VALIDATION_REQUIRED\",\"metadata\":{\"validation_url\":\"https://accounts.example/verify\"}}]}}"}}}}]}}`
	})
	b := fastBridge(serveFake(t, fake), nil, WithPlanModel(1008))

	_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
	var trajErr *domain.TrajectoryError
	require.ErrorAs(t, err, &trajErr)
	assert.Equal(t, domain.FailureVerificationRequired, trajErr.Kind)
	require.NotNil(t, trajErr.Code)
	assert.EqualValues(t, 403, *trajErr.Code)
	assert.Equal(t, "https://accounts.example/verify", trajErr.ValidationURL)
	assert.Equal(t, "t-9", trajErr.TrajectoryID)
	assert.NotEmpty(t, trajErr.StepJSON)

	outcome := domain.ClassifyVerificationFailure(err)
	assert.Equal(t, domain.VerificationVerificationRequired, outcome.Status)

	calls := fake.snapshot()
	assert.Equal(t, "DeleteCascadeTrajectory", calls[len(calls)-1])

	send := fake.bodies["SendUserCascadeMessage"][0]
	planner := send["cascadeConfig"].(map[string]any)["plannerConfig"].(map[string]any)
	assert.Equal(t, float64(1008), planner["planModel"])
	assert.Equal(t, map[string]any{"model": float64(1018)}, planner["requestedModel"])
}

func TestWakeupTimeoutNamesLastStatus(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(int) string { return runningTrajectory })
	b := New(fakeTokens{}, nil, WithBaseURL(serveFake(t, fake)), WithPolling(5*time.Millisecond, 60*time.Millisecond))

	_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, "no wakeup result before timeout, last status=CASCADE_RUN_STATUS_RUNNING", err.Error())

	calls := fake.snapshot()
	assert.Equal(t, "DeleteCascadeTrajectory", calls[len(calls)-1])
}

func TestWakeupTimeoutWithoutStatus(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(int) string { return `{"trajectory":{"steps":[]}}` })
	b := New(fakeTokens{}, nil, WithBaseURL(serveFake(t, fake)), WithPolling(5*time.Millisecond, 40*time.Millisecond))

	_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, "no plannerResponse in trajectory", err.Error())
}

func TestWakeupDeleteFailureDoesNotMaskResult(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(int) string { return doneTrajectory })
	fake.deleteStatus = http.StatusNotFound
	b := fastBridge(serveFake(t, fake), nil)

	resp, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "awake", resp.Reply)
}

func TestWakeupStartFailureSkipsExchange(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(int) string { return doneTrajectory })
	fake.startStatus = http.StatusBadRequest
	b := fastBridge(serveFake(t, fake), nil)

	_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
	var httpErr *domain.UpstreamHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, []string{"prepareStartContext", "StartCascade"}, fake.snapshot())
}

func TestWakeupModelResolutionFailsBeforeAnyCall(t *testing.T) {
	t.Parallel()

	fake := newFakeGateway(func(int) string { return doneTrajectory })
	b := fastBridge(serveFake(t, fake), catalog())

	_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "unknown-model", Prompt: "hi"})
	var resErr *domain.ModelResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Empty(t, fake.snapshot())
}

func TestResolveModel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("numeric alias skips listing", func(t *testing.T) {
		models := catalog()
		n, err := New(fakeTokens{}, models).ResolveModel(ctx, "a", " 1026 ")
		require.NoError(t, err)
		assert.EqualValues(t, 1026, n)
		assert.Empty(t, models.tokens)
	})

	t.Run("placeholder constant", func(t *testing.T) {
		n, err := New(fakeTokens{}, catalog()).ResolveModel(ctx, "a", "gemini-3.1-pro-high")
		require.NoError(t, err)
		assert.EqualValues(t, 1037, n)
	})

	t.Run("special-cased constant", func(t *testing.T) {
		n, err := New(fakeTokens{}, catalog()).ResolveModel(ctx, "a", "gpt-oss-120b-medium")
		require.NoError(t, err)
		assert.EqualValues(t, 342, n)
	})

	failures := map[string]struct {
		tokens fakeTokens
		models *fakeModels
		alias  string
		reason string
	}{
		"unknown alias":     {models: catalog(), alias: "nope", reason: "not returned"},
		"unmapped constant": {models: catalog(), alias: "mystery", reason: "unmapped"},
		"missing constant":  {models: catalog(), alias: "blank", reason: "no model constant"},
		"listing error":     {models: &fakeModels{err: errors.New("upstream down")}, alias: "x", reason: "upstream down"},
		"token error":       {tokens: fakeTokens{err: domain.ErrAuthExpired}, models: catalog(), alias: "x", reason: "authorization expired"},
	}
	for name, tc := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.tokens, tc.models).ResolveModel(ctx, "a", tc.alias)
			var resErr *domain.ModelResolutionError
			require.ErrorAs(t, err, &resErr)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestWakeupLogsUnrecognizedStepsOnce(t *testing.T) {
	t.Parallel()

	trajectory := `{"status":"CASCADE_RUN_STATUS_RUNNING","trajectory":{"trajectoryId":"t-1","steps":[
	{"status":"CORTEX_STEP_STATUS_DONE","mystery":{"shape":"new"}}]}}`
	fake := newFakeGateway(func(poll int) string {
		if poll < 3 {
			return trajectory
		}
		return doneTrajectory
	})
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := fastBridge(serveFake(t, fake), nil, WithLogger(logger))

	resp, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "awake", resp.Reply)
	assert.Equal(t, 1, strings.Count(logs.String(), "skipping unrecognized trajectory step"))
	assert.Contains(t, logs.String(), "mystery")
}

func TestInspectTrajectoryIgnoresUnrecognizedSteps(t *testing.T) {
	t.Parallel()

	body := `{"status":"CASCADE_RUN_STATUS_IDLE","trajectory":{"steps":[
	{"status":"CORTEX_STEP_STATUS_DONE","plannerResponse":{"response":"awake"}},
	{"status":"CORTEX_STEP_STATUS_DONE","mystery":{}}]}}`
	outcome, err := inspectTrajectory([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "awake", outcome.reply)
	require.Len(t, outcome.unrecognized, 1)
	assert.Contains(t, string(outcome.unrecognized[0]), "mystery")
	assert.Equal(t, "status=CASCADE_RUN_STATUS_IDLE, steps=2, last_step_case=plannerResponse, planner_keys=response", summarizeTrajectory([]byte(body)))
}

func TestWakeupRevokedRefreshTokenIsAuthExpired(t *testing.T) {
	t.Parallel()

	revoked := fmt.Errorf("refresh token: %w", &auth.OAuthError{
		StatusCode:  http.StatusBadRequest,
		Code:        "invalid_grant",
		Description: "Token has been expired or revoked.",
	})
	fake := newFakeGateway(func(int) string { return doneTrajectory })
	b := New(fakeTokens{err: revoked}, catalog(), WithBaseURL(serveFake(t, fake)), WithPolling(5*time.Millisecond, 200*time.Millisecond))

	_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "gemini-3.1-pro-high", Prompt: "hi"})
	var resErr *domain.ModelResolutionError
	require.ErrorAs(t, err, &resErr)
	require.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Equal(t, domain.VerificationAuthExpired, domain.ClassifyVerificationFailure(err).Status)
	assert.Empty(t, fake.snapshot())
}

func TestWakeupGatewayAuthStatusIsClassified(t *testing.T) {
	t.Parallel()

	cases := map[int]domain.VerificationStatus{
		http.StatusUnauthorized: domain.VerificationAuthExpired,
		http.StatusForbidden:    domain.VerificationVerificationRequired,
	}
	for status, want := range cases {
		t.Run(http.StatusText(status), func(t *testing.T) {
			fake := newFakeGateway(func(int) string { return doneTrajectory })
			fake.startStatus = status
			b := fastBridge(serveFake(t, fake), nil)

			_, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, want, domain.ClassifyVerificationFailure(err).Status)
		})
	}
}

func TestModelNumber(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"42":                               42,
		"MODEL_PLACEHOLDER_M37":            1037,
		"xPLACEHOLDER_M5y":                 1005,
		"MODEL_OPENAI_GPT_OSS_120B_MEDIUM": 342,
		"OPENAI_GPT_OSS_120B_MEDIUM":       342,
	}
	for in, want := range cases {
		got, ok := ModelNumber(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "PLACEHOLDER_M", "MODEL_CLAUDE"} {
		_, ok := ModelNumber(in)
		assert.False(t, ok, in)
	}
}

func TestModelNumberPlaceholderProperty(t *testing.T) {
	t.Parallel()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("PLACEHOLDER_M<N> maps to 1000+N", prop.ForAll(
		func(n int64, prefix string) bool {
			got, ok := ModelNumber(fmt.Sprintf("%sPLACEHOLDER_M%d", prefix, n))
			return ok && got == 1000+n
		},
		gen.Int64Range(0, 1_000_000),
		gen.OneConstOf("", "MODEL_", "codeium."),
	))
	properties.TestingRun(t)
}

func TestNormalizeCascadeConfig(t *testing.T) {
	t.Parallel()

	cfg := NormalizeCascadeConfig(nil, 1018, 0, 0)
	assert.Equal(t, map[string]any{
		"plannerConfig": map[string]any{
			"requestedModel":  map[string]any{"model": int64(1018)},
			"maxOutputTokens": domain.DefaultMaxOutputTokens,
		},
		"checkpointConfig": map[string]any{"maxOutputTokens": domain.DefaultMaxOutputTokens},
	}, cfg)

	partial := map[string]any{"plannerConfig": map[string]any{"maxOutputTokens": 64}, "checkpointConfig": "bogus"}
	cfg = NormalizeCascadeConfig(partial, 1018, 512, 1008)
	planner := cfg["plannerConfig"].(map[string]any)
	assert.Equal(t, 64, planner["maxOutputTokens"])
	assert.Equal(t, int64(1008), planner["planModel"])
	assert.Equal(t, 64, cfg["checkpointConfig"].(map[string]any)["maxOutputTokens"])
}

func TestNormalizeLocalBaseURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://localhost:4431", normalizeLocalBaseURL("https://127.0.0.1:4431"))
	assert.Equal(t, "http://localhost:80", normalizeLocalBaseURL("http://127.0.0.1:80"))
	assert.Equal(t, "https://gw.example", normalizeLocalBaseURL("https://gw.example"))

	b := New(nil, nil, WithBaseURL(" https://127.0.0.1:9/ "))
	got, err := b.BaseURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:9", got)
}

func TestSummarizeTrajectory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "status=CASCADE_RUN_STATUS_RUNNING, steps=2, last_step_case=plannerResponse, planner_keys=thinking", summarizeTrajectory([]byte(runningTrajectory)))
	assert.Equal(t, "status=-, steps=0", summarizeTrajectory([]byte(`{}`)))
}

type scriptedWaker struct{}

func (scriptedWaker) Wakeup(_ context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	return domain.WakeupResponse{Reply: "direct:" + req.Prompt}, nil
}

func TestWakeupThroughLocalGatewayDirectBackend(t *testing.T) {
	t.Parallel()

	srv := gateway.NewServer(gateway.NewDirectBackend(scriptedWaker{}, nil, nil))
	t.Cleanup(func() { _ = srv.Close() })

	b := New(fakeTokens{}, nil, WithGateway(srv), WithPolling(10*time.Millisecond, 5*time.Second))
	resp, err := b.Wakeup(context.Background(), domain.WakeupRequest{AccountID: "acct", Model: "1018", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "direct:ping", resp.Reply)

	baseURL, err := b.BaseURL(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(baseURL, "https://localhost:"))
}
