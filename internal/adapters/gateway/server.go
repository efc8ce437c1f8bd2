// Package gateway is the local TLS gateway that fronts language server
// sessions with a small JSON API.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/gin-gonic/gin"
)

const (
	MaxRequestBytes    = 512 * 1024
	requestReadTimeout = 10 * time.Second
	bodyKey            = "gateway.body"
)

// Server is the gateway listener plus its owned stores.
type Server struct {
	backend Backend
	queue   *PendingQueue
	logger  *slog.Logger
	clock   ports.Clock
	addr    string
	engine  *gin.Engine

	startOnce sync.Once
	startErr  error
	baseURL   string

	mu         sync.Mutex
	httpServer *http.Server
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithClock(clock ports.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithAddr sets the listen address; the default is an ephemeral loopback port.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

func NewServer(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   ports.SystemClock{},
		addr:    "127.0.0.1:0",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.queue = NewPendingQueue(s.clock, DefaultPreparedTTL)
	s.engine = s.newEngine()
	return s
}

// Handler exposes the router without TLS, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Queue() *PendingQueue {
	return s.queue
}

func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.Use(gin.Recovery(), s.requestLogger(), corsAndMethod(), limitBody(MaxRequestBytes))

	engine.POST(PrepareStartContextPath, s.handlePrepareStartContext)
	engine.POST(StartCascadePath, s.handleStartCascade)
	engine.POST(SendUserCascadeMessagePath, s.cascadeHandler("SendUserCascadeMessage", s.backend.SendUserCascadeMessage))
	engine.POST(GetCascadeTrajectoryPath, s.cascadeHandler("GetCascadeTrajectory", s.backend.GetCascadeTrajectory))
	engine.POST(DeleteCascadeTrajectoryPath, s.cascadeHandler("DeleteCascadeTrajectory", s.backend.DeleteCascadeTrajectory))
	engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "Unknown path: "+c.Request.URL.Path)
	})
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}

// corsAndMethod answers preflights and rejects anything but POST before
// routing.
func corsAndMethod() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Connection", "close")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		switch c.Request.Method {
		case http.MethodOptions:
			c.AbortWithStatus(http.StatusOK)
		case http.MethodPost:
			c.Next()
		default:
			writeError(c, http.StatusMethodNotAllowed, "Only POST is supported")
		}
	}
}

// limitBody rejects bodies over limit before any handler parses them.
func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			writeError(c, http.StatusBadRequest, fmt.Sprintf("request body exceeds %d bytes", limit))
			return
		}
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			writeError(c, http.StatusBadRequest, "read request body: "+err.Error())
			return
		}
		if int64(len(data)) > limit {
			writeError(c, http.StatusBadRequest, fmt.Sprintf("request body exceeds %d bytes", limit))
			return
		}
		c.Set(bodyKey, data)
		c.Next()
	}
}

func requestBody(c *gin.Context) []byte {
	if value, ok := c.Get(bodyKey); ok {
		if data, ok := value.([]byte); ok {
			return data
		}
	}
	return nil
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func writeJSON(c *gin.Context, body []byte) {
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// jsonObject returns the request body as a JSON object; an empty body is {}.
func jsonObject(c *gin.Context, name string) (map[string]json.RawMessage, []byte, bool) {
	body := requestBody(c)
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]json.RawMessage{}, []byte(`{}`), true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		reason := "body must be a JSON object"
		if err != nil {
			reason = err.Error()
		}
		writeError(c, http.StatusBadRequest, name+": invalid request body: "+reason)
		return nil, nil, false
	}
	return obj, body, true
}

type prepareStartContextRequest struct {
	AccountID       string          `json:"accountId"`
	Model           string          `json:"model"`
	MaxOutputTokens json.RawMessage `json:"maxOutputTokens"`
}

func (s *Server) handlePrepareStartContext(c *gin.Context) {
	var req prepareStartContextRequest
	if err := json.Unmarshal(requestBody(c), &req); err != nil {
		writeError(c, http.StatusBadRequest, "prepareStartContext: invalid request body: "+err.Error())
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		writeError(c, http.StatusBadRequest, "prepareStartContext: missing accountId")
		return
	}
	maxTokens, _ := strconv.Atoi(scalarString(req.MaxOutputTokens))

	s.queue.Push(PreparedStartContext{
		AccountID:       domain.AccountID(accountID),
		Model:           strings.TrimSpace(req.Model),
		MaxOutputTokens: max(maxTokens, 0),
	})
	writeJSON(c, []byte(`{}`))
}

func (s *Server) handleStartCascade(c *gin.Context) {
	_, body, ok := jsonObject(c, "StartCascade")
	if !ok {
		return
	}
	prepared, found := s.queue.Pop()
	if !found {
		writeError(c, http.StatusBadRequest, domain.ErrNoPreparedContext.Error()+": call prepareStartContext first")
		return
	}

	resp, err := s.backend.StartCascade(c.Request.Context(), prepared, body)
	if err != nil {
		s.logger.Error("start cascade failed", "account_id", string(prepared.AccountID), "error", err)
		writeBackendError(c, err)
		return
	}
	writeJSON(c, resp)
}

type cascadeCall func(ctx context.Context, cascadeID string, body []byte) ([]byte, error)

func (s *Server) cascadeHandler(name string, call cascadeCall) gin.HandlerFunc {
	return func(c *gin.Context) {
		obj, body, ok := jsonObject(c, name)
		if !ok {
			return
		}
		cascadeID := scalarString(obj["cascadeId"])
		if cascadeID == "" {
			writeError(c, http.StatusBadRequest, name+": missing cascadeId")
			return
		}

		resp, err := call(c.Request.Context(), cascadeID, body)
		if err != nil {
			s.logger.Warn("cascade call failed", "method", name, "cascade_id", cascadeID, "error", err)
			writeBackendError(c, err)
			return
		}
		writeJSON(c, resp)
	}
}

func writeBackendError(c *gin.Context, err error) {
	var protoErr *domain.ProtocolError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAuthExpired):
		writeError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNoPreparedContext), errors.As(err, &protoErr):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}

// Start binds the TLS listener and serves in the background. It returns the
// gateway base URL.
func (s *Server) Start(ctx context.Context) (string, error) {
	cert, err := selfSignedCertificate(s.clock.Now())
	if err != nil {
		return "", fmt.Errorf("build gateway certificate: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("listen gateway: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  requestReadTimeout,
		TLSConfig:    tlsConfig,
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	srv.SetKeepAlivesEnabled(false)

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(tls.NewListener(listener, tlsConfig)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway stopped", "error", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	baseURL := "https://localhost:" + strconv.Itoa(port)
	s.logger.Info("gateway listening", "base_url", baseURL)
	return baseURL, nil
}

// EnsureStarted starts the server on first use and returns its base URL.
func (s *Server) EnsureStarted(ctx context.Context) (string, error) {
	s.startOnce.Do(func() {
		s.baseURL, s.startErr = s.Start(ctx)
	})
	return s.baseURL, s.startErr
}

// Close stops the listener and tears down every live session.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	s.backend.Close()
	return err
}
