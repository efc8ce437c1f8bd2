// Package langservertest provides a fake language server for tests. A test
// binary re-executes itself through Command and calls Main from its
// TestHelperProcess.
package langservertest

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/adapters/wire/connect"
	"github.com/bnema/ag-wakeup/internal/adapters/wire/protobuf"
)

const (
	EnvHelper = "AG_WAKEUP_HELPER_PROCESS"
	EnvMode   = "AG_WAKEUP_HELPER_MODE"
	EnvReply  = "AG_WAKEUP_HELPER_REPLY"

	ModeReady = "ready"
	ModeHang  = "hang"
	ModeExit  = "exit"
	ModeError = "error"

	servicePrefix = "/exa.language_server_pb.LanguageServerService/"
)

// Command returns an exec.Command replacement that runs the current test
// binary as the fake server in the given mode.
func Command(mode string, env ...string) func(name string, args ...string) *exec.Cmd {
	return func(_ string, args ...string) *exec.Cmd {
		cmdArgs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.Command(os.Args[0], cmdArgs...)
		cmd.Env = append(os.Environ(), EnvHelper+"=1", EnvMode+"="+mode)
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
}

// IsHelper reports whether this process was started by Command.
func IsHelper() bool {
	return os.Getenv(EnvHelper) == "1"
}

// Main runs the fake server and never returns.
func Main() {
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}

	fs := flag.NewFlagSet("fake-ls", flag.ContinueOnError)
	fs.Bool("enable_lsp", false, "")
	fs.Bool("random_port", false, "")
	csrf := fs.String("csrf_token", "", "")
	extPort := fs.Int("extension_server_port", 0, "")
	extCSRF := fs.String("extension_server_csrf_token", "", "")
	fs.String("cloud_code_endpoint", "", "")
	appDataDir := fs.String("app_data_dir", "", "")
	if err := fs.Parse(args); err != nil {
		fail("parse args: %v", err)
	}

	metadata, _ := io.ReadAll(os.Stdin)
	fmt.Printf("metadata bytes=%d app_data_dir=%s\n", len(metadata), *appDataDir)

	switch os.Getenv(EnvMode) {
	case ModeExit:
		os.Exit(3)
	case ModeHang:
		block()
	}

	reply := os.Getenv(EnvReply)
	if reply == "" {
		reply = "pong"
	}
	fake := &server{csrf: *csrf, reply: reply, errorMode: os.Getenv(EnvMode) == ModeError, sent: map[string]string{}}
	srv := httptest.NewUnstartedServer(fake)
	srv.StartTLS()
	port := srv.Listener.Addr().String()
	port = port[strings.LastIndexByte(port, ':')+1:]

	companion := fmt.Sprintf("http://127.0.0.1:%d/exa.extension_server_pb.ExtensionServerService/", *extPort)

	go subscribe(companion, *extCSRF)

	var httpsPort uint64
	_, _ = fmt.Sscan(port, &httpsPort)
	started := protobuf.MarshalLanguageServerStarted(protobuf.LanguageServerStarted{HTTPSPort: uint32(httpsPort), LSPPort: 1, HTTPPort: 2})
	req, _ := http.NewRequest(http.MethodPost, companion+"LanguageServerStarted", bytes.NewReader(started))
	req.Header.Set("Content-Type", connect.ContentTypeProto)
	req.Header.Set("x-codeium-csrf-token", *extCSRF)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("announce: %v", err)
	}
	_ = resp.Body.Close()

	block()
}

func subscribe(companion, csrf string) {
	body := connect.Message(protobuf.MarshalSubscribeRequest(protobuf.OAuthTopicName))
	req, _ := http.NewRequest(http.MethodPost, companion+"SubscribeToUnifiedStateSyncTopic", bytes.NewReader(body))
	req.Header.Set("Content-Type", connect.ContentTypeConnectProto)
	req.Header.Set("x-codeium-csrf-token", csrf)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := make([]byte, connect.HeaderSize)
	if _, err := io.ReadFull(resp.Body, header); err == nil {
		fmt.Println("oauth topic received")
	}
}

type server struct {
	csrf      string
	reply     string
	errorMode bool

	mu      sync.Mutex
	next    int
	sent    map[string]string
	deleted []string
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-codeium-csrf-token") != s.csrf {
		http.Error(w, "bad csrf", http.StatusForbidden)
		return
	}

	var body struct {
		CascadeID string `json:"cascadeId"`
		Items     []struct {
			Text string `json:"text"`
		} `json:"items"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch strings.TrimPrefix(r.URL.Path, servicePrefix) {
	case "StartCascade":
		s.next++
		writeJSON(w, map[string]any{"cascadeId": fmt.Sprintf("cascade-%d", s.next)})
	case "SendUserCascadeMessage":
		prompt := ""
		if len(body.Items) > 0 {
			prompt = body.Items[0].Text
		}
		s.sent[body.CascadeID] = prompt
		writeJSON(w, map[string]any{})
	case "GetCascadeTrajectory":
		writeJSON(w, s.trajectory(body.CascadeID))
	case "DeleteCascadeTrajectory":
		s.deleted = append(s.deleted, body.CascadeID)
		writeJSON(w, map[string]any{})
	default:
		http.NotFound(w, r)
	}
}

func (s *server) trajectory(cascadeID string) map[string]any {
	prompt, ok := s.sent[cascadeID]
	if !ok {
		return map[string]any{"status": "CASCADE_RUN_STATUS_IDLE", "trajectory": map[string]any{"trajectoryId": "traj-" + cascadeID}}
	}
	steps := []any{
		map[string]any{"status": "CORTEX_STEP_STATUS_DONE", "step": map[string]any{"case": "userInput", "value": map[string]any{"userResponse": prompt}}},
	}
	if s.errorMode {
		steps = append(steps, map[string]any{
			"status": "CORTEX_STEP_STATUS_ERROR",
			"step": map[string]any{"case": "errorMessage", "value": map[string]any{
				"error": map[string]any{"userErrorMessage": "verify your account", "code": 403},
			}},
		})
	} else {
		steps = append(steps, map[string]any{
			"status": "CORTEX_STEP_STATUS_DONE",
			"step":   map[string]any{"case": "plannerResponse", "value": map[string]any{"modifiedResponse": s.reply}},
		})
	}
	return map[string]any{
		"status":     "CASCADE_RUN_STATUS_IDLE",
		"trajectory": map[string]any{"trajectoryId": "traj-" + cascadeID, "steps": steps},
	}
}

func writeJSON(w io.Writer, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

// block waits to be killed.
func block() {
	for {
		time.Sleep(time.Hour)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

// InsecureClient trusts the fake server's self-signed certificate.
func InsecureClient() *http.Client {
	return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
}
