package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/klauspost/compress/gzip"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noBackoff(int) time.Duration { return 0 }

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), Backoff(1))

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("attempt 2 is within [500ms, 600ms)", prop.ForAll(
		func(_ int) bool {
			d := Backoff(2)
			return d >= 500*time.Millisecond && d < 600*time.Millisecond
		},
		gen.Int(),
	))
	properties.Property("attempt 3 is within [1000ms, 1100ms)", prop.ForAll(
		func(_ int) bool {
			d := Backoff(3)
			return d >= 1000*time.Millisecond && d < 1100*time.Millisecond
		},
		gen.Int(),
	))
	properties.Property("never exceeds the cap", prop.ForAll(
		func(attempt int, jitterMs int) bool {
			return backoffWithJitter(attempt, time.Duration(jitterMs)*time.Millisecond) <= 4000*time.Millisecond
		},
		gen.IntRange(-5, 200),
		gen.IntRange(0, 99),
	))

	properties.TestingRun(t)
}

func TestBaseURLOrderPromoteMovesWithoutDuplicating(t *testing.T) {
	t.Parallel()

	order := NewBaseURLOrder([]string{"https://a/", " https://b", "https://c", "https://a", ""})
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, order.Snapshot())

	order.Promote("https://c")
	assert.Equal(t, []string{"https://c", "https://a", "https://b"}, order.Snapshot())

	order.Promote("https://c")
	order.Promote("https://unknown")
	assert.Equal(t, []string{"https://c", "https://a", "https://b"}, order.Snapshot())

	assert.Equal(t, DefaultBaseURLs(), NewBaseURLOrder(nil).Snapshot())
}

func sseHandler(t *testing.T, body string, hits *atomic.Int32) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "antigravity", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}
}

const okStream = `data: {"response":{"candidates":[{"content":{"parts":[{"text":"thinking","thought":true},{"text":"Hel"}]}}]},"traceId":"trace-1"}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"lo"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5},"responseId":"resp-1"}}

data: [DONE]
`

func TestGenerateFailsOverAndPromotes(t *testing.T) {
	t.Parallel()

	var failing, healthy atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failing.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(sseHandler(t, okStream, &healthy))
	defer good.Close()

	order := NewBaseURLOrder([]string{bad.URL, good.URL})
	client := NewClient(order, WithBackoff(noBackoff))

	resp, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", ProjectID: "p", Model: "gemini-3-flash", Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Reply)
	require.NotNil(t, resp.PromptTokens)
	assert.Equal(t, int64(3), *resp.PromptTokens)
	assert.Equal(t, int64(2), *resp.CompletionTokens)
	assert.Equal(t, int64(5), *resp.TotalTokens)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, "resp-1", resp.ResponseID)

	assert.Equal(t, int32(2), failing.Load())
	assert.Equal(t, int32(1), healthy.Load())
	assert.Equal(t, []string{good.URL, bad.URL}, order.Snapshot())
}

func TestGenerateAuthFailuresStopImmediately(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		target error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, target: domain.ErrAuthExpired},
		{name: "forbidden", status: http.StatusForbidden, target: domain.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var first, second atomic.Int32
			a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				first.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer a.Close()
			b := httptest.NewServer(sseHandler(t, okStream, &second))
			defer b.Close()

			client := NewClient(NewBaseURLOrder([]string{a.URL, b.URL}), WithBackoff(noBackoff))
			_, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", Prompt: "hi"})
			require.ErrorIs(t, err, tt.target)
			assert.Equal(t, int32(1), first.Load())
			assert.Equal(t, int32(0), second.Load())
		})
	}
}

func TestGenerateOtherClientErrorSkipsToNextBase(t *testing.T) {
	t.Parallel()

	var first, second atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		first.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer a.Close()
	b := httptest.NewServer(sseHandler(t, okStream, &second))
	defer b.Close()

	client := NewClient(NewBaseURLOrder([]string{a.URL, b.URL}), WithBackoff(noBackoff))
	_, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestGenerateSurfacesLastError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	client := NewClient(NewBaseURLOrder([]string{srv.URL}), WithBackoff(noBackoff))
	_, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", Prompt: "hi"})

	var httpErr *domain.UpstreamHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "slow down")
}

func TestGenerateRequestBody(t *testing.T) {
	t.Parallel()

	var captured generateBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, streamGeneratePath, r.URL.RequestURI())
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = io.WriteString(w, okStream)
	}))
	defer srv.Close()

	client := NewClient(NewBaseURLOrder([]string{srv.URL}), WithBackoff(noBackoff))
	_, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", ProjectID: "proj", Model: "m", Prompt: "ping", MaxOutputTokens: 32})
	require.NoError(t, err)

	assert.Equal(t, "proj", captured.Project)
	assert.Equal(t, "agent", captured.RequestType)
	assert.Regexp(t, `^req_\d+_[a-z0-9]{6}$`, captured.RequestID)
	assert.Regexp(t, `^sess_\d+_[a-z0-9]{6}$`, captured.Request.SessionID)
	assert.Equal(t, "ping", captured.Request.Contents[0].Parts[0].Text)
	assert.Equal(t, 32, captured.Request.GenerationConfig.MaxOutputTokens)
	assert.Zero(t, captured.Request.GenerationConfig.Temperature)
}

func TestReadBodyDecodesGzip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := io.WriteString(gz, okStream)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := NewClient(NewBaseURLOrder([]string{srv.URL}), WithBackoff(noBackoff))
	resp, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Reply)
}

func TestParseStream(t *testing.T) {
	t.Parallel()

	t.Run("plain json document", func(t *testing.T) {
		result, err := parseStream(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
		require.NoError(t, err)
		assert.Equal(t, "ok", result.text)
		assert.Nil(t, result.completionTokens)
	})

	t.Run("json array", func(t *testing.T) {
		result, err := parseStream(`[{"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}},{"response":{"candidates":[{"content":{"parts":[{"text":"b"}]}}]}}]`)
		require.NoError(t, err)
		assert.Equal(t, "ab", result.text)
	})

	t.Run("no data", func(t *testing.T) {
		_, err := parseStream("event: ping\n\n")
		var protoErr *domain.ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "stream received no data", protoErr.Reason)
	})
}

func TestGenerateEmptyReplyBecomesPlaceholder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `data: {"response":{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}}`+"\n")
	}))
	defer srv.Close()

	client := NewClient(NewBaseURLOrder([]string{srv.URL}), WithBackoff(noBackoff))
	resp, err := client.Generate(context.Background(), GenerateRequest{AccessToken: "token", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "(no reply)", resp.Reply)
	require.NotNil(t, resp.CompletionTokens)
	assert.Equal(t, int64(0), *resp.CompletionTokens)
	assert.Nil(t, resp.PromptTokens)
}

func TestFetchAvailableModelsOrdersBySorts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fetchModelsPath, r.URL.Path)
		_, _ = io.WriteString(w, `{"payload":{
			"agentModelSorts":[{"groups":[{"modelIds":["b"," a ","b",""]}]}],
			"models":{"a":{"displayName":"Model A","model":"MODEL_PLACEHOLDER_M18"},"b":{"model":"7"},"c":{"displayName":"C"}}
		}}`)
	}))
	defer srv.Close()

	client := NewClient(NewBaseURLOrder([]string{srv.URL}), WithBackoff(noBackoff))
	catalog, err := client.FetchAvailableModels(context.Background(), "token")
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, catalog.Order)
	meta, ok := catalog.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "MODEL_PLACEHOLDER_M18", meta.ModelConstant)

	assert.Equal(t, []domain.ModelOption{
		{ID: "b", DisplayName: "b", ModelConstant: "7"},
		{ID: "a", DisplayName: "Model A", ModelConstant: "MODEL_PLACEHOLDER_M18"},
	}, catalog.Options())
}

func TestModelCatalogFallsBackToFixedList(t *testing.T) {
	t.Parallel()

	catalog, err := decodeModelCatalog([]byte(`{"models":{"x":{"model":"1"}}}`))
	require.NoError(t, err)
	options := catalog.Options()
	require.Len(t, options, 6)
	assert.Equal(t, "gemini-3.1-pro-high", options[0].ID)
	assert.Equal(t, "MODEL_OPENAI_GPT_OSS_120B_MEDIUM", options[5].ModelConstant)
}

func TestResolveProjectID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body loadCodeAssistBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ANTIGRAVITY", body.Metadata.IDEType)
		_, _ = io.WriteString(w, `{"cloudaicompanionProject":"found-project"}`)
	}))
	defer srv.Close()

	client := NewClient(NewBaseURLOrder([]string{srv.URL}), WithBackoff(noBackoff))

	project, fresh := client.ResolveProjectID(context.Background(), "token", "known")
	assert.Equal(t, "known", project)
	assert.False(t, fresh)

	project, fresh = client.ResolveProjectID(context.Background(), "token", "")
	assert.Equal(t, "found-project", project)
	assert.True(t, fresh)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer empty.Close()

	project, fresh = NewClient(NewBaseURLOrder([]string{empty.URL}), WithBackoff(noBackoff)).ResolveProjectID(context.Background(), "token", "")
	assert.Regexp(t, `^projects/random-[a-z0-9]{8}/locations/global$`, project)
	assert.False(t, fresh)
}
