package langserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/adapters/wire/connect"
	"github.com/bnema/ag-wakeup/internal/adapters/wire/protobuf"
	"github.com/google/uuid"
)

const (
	csrfHeader            = "x-codeium-csrf-token"
	maxCompanionBodyBytes = 1 << 20
	companionReadTimeout  = 10 * time.Second
)

// Methods answered with an empty body so the language server's client never
// stalls on them.
var emptyOKMethods = map[string]struct{}{
	"CheckTerminalShellSupport":     {},
	"GetBrowserOnboardingPort":      {},
	"PushUnifiedStateSyncUpdate":    {},
	"GetSecretValue":                {},
	"StoreSecretValue":              {},
	"LogEvent":                      {},
	"RecordError":                   {},
	"RestartUserStatusUpdater":      {},
	"OpenSetting":                   {},
	"PlaySound":                     {},
	"BroadcastConversationDeletion": {},
}

// companion is the callback server the language server talks back to during
// and after startup.
type companion struct {
	csrf       string
	oauthTopic []byte
	logger     *slog.Logger

	listener net.Listener
	server   *http.Server

	started     chan protobuf.LanguageServerStarted
	startedOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

func startCompanion(oauthTopic []byte, logger *slog.Logger) (*companion, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen companion server: %w", err)
	}

	c := &companion{
		csrf:       uuid.NewString(),
		oauthTopic: oauthTopic,
		logger:     logger,
		listener:   listener,
		started:    make(chan protobuf.LanguageServerStarted, 1),
		done:       make(chan struct{}),
	}
	c.server = &http.Server{
		Handler:           c,
		ReadHeaderTimeout: companionReadTimeout,
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("companion server stopped", "error", err)
		}
	}()
	return c, nil
}

func (c *companion) Port() int {
	return c.listener.Addr().(*net.TCPAddr).Port
}

// Started delivers the announced ports once.
func (c *companion) Started() <-chan protobuf.LanguageServerStarted {
	return c.started
}

// Close releases held streams and stops accepting connections.
func (c *companion) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			_ = c.server.Close()
		}
	})
}

func (c *companion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodOptions:
		writeText(w, http.StatusOK, "")
		return
	case r.Method != http.MethodPost:
		writeText(w, http.StatusMethodNotAllowed, "Only POST is supported")
		return
	case r.Header.Get(csrfHeader) != c.csrf:
		writeText(w, http.StatusForbidden, "Invalid CSRF token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCompanionBodyBytes))
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = connect.ContentTypeProto
	}

	switch method := rpcMethod(r.URL.Path); method {
	case "LanguageServerStarted":
		c.handleStarted(w, contentType, body)
	case "SubscribeToUnifiedStateSyncTopic":
		c.handleSubscribe(w, r, body)
	case "IsAgentManagerEnabled":
		writeUnary(w, contentType, protobuf.AppendBool(nil, 1, true))
	case "GetChromeDevtoolsMcpUrl":
		writeUnary(w, contentType, protobuf.StringField(""))
	default:
		if _, ok := emptyOKMethods[method]; !ok {
			c.logger.Warn("unimplemented companion method", "path", r.URL.Path)
		}
		writeUnary(w, contentType, nil)
	}
}

func (c *companion) handleStarted(w http.ResponseWriter, contentType string, body []byte) {
	started, err := protobuf.ParseLanguageServerStarted(body)
	if err != nil {
		c.logger.Error("parse LanguageServerStarted", "error", err)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	c.startedOnce.Do(func() {
		c.started <- started
	})
	writeUnary(w, contentType, nil)
}

// handleSubscribe pushes one state frame for the requested topic and holds
// the stream until the session shuts down.
func (c *companion) handleSubscribe(w http.ResponseWriter, r *http.Request, body []byte) {
	first, _, err := connect.Decode(body)
	if err != nil {
		c.logger.Error("decode subscribe request", "error", err)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	topic, err := protobuf.ParseSubscribeTopic(first.Payload)
	if err != nil {
		c.logger.Error("parse subscribe topic", "error", err)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	var topicBytes []byte
	if topic == protobuf.OAuthTopicName {
		topicBytes = c.oauthTopic
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", connect.ContentTypeConnectProto)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(connect.Message(protobuf.UnifiedStateSyncUpdate(topicBytes)))
	if flusher != nil {
		flusher.Flush()
	}

	select {
	case <-c.done:
	case <-r.Context().Done():
		return
	}

	_, _ = w.Write(connect.EndStreamOK())
	if flusher != nil {
		flusher.Flush()
	}
}

// rpcMethod returns the last path segment without any ":suffix".
func rpcMethod(path string) string {
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		path = path[idx+1:]
	}
	method, _, _ := strings.Cut(path, ":")
	return method
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// writeUnary answers in the request's framing: connect+proto bodies are
// enveloped, anything else is raw.
func writeUnary(w http.ResponseWriter, contentType string, payload []byte) {
	if strings.HasPrefix(strings.ToLower(contentType), connect.ContentTypeConnectProto) {
		payload = connect.Message(payload)
		contentType = connect.ContentTypeConnectProto
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
