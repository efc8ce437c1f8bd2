package cloudcode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
)

const (
	loadCodeAssistPath    = "/v1internal:loadCodeAssist"
	loadCodeAssistTimeout = 15 * time.Second
)

type loadCodeAssistBody struct {
	Metadata struct {
		IDEType string `json:"ideType"`
	} `json:"metadata"`
}

// LoadProjectID asks loadCodeAssist for the account's companion project. An
// empty string with a nil error means the upstream assigned none.
func (c *Client) LoadProjectID(ctx context.Context, accessToken string) (string, error) {
	var body loadCodeAssistBody
	body.Metadata.IDEType = "ANTIGRAVITY"

	var project string
	err := c.withFailover(ctx, "loadCodeAssist", func(ctx context.Context, baseURL string) error {
		data, err := c.postJSON(ctx, baseURL, loadCodeAssistPath, accessToken, body, loadCodeAssistTimeout)
		if err != nil {
			return err
		}
		project, err = decodeProjectID(data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("load code assist: %w", err)
	}
	return project, nil
}

func decodeProjectID(data []byte) (string, error) {
	var resp struct {
		Project json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &domain.ProtocolError{Op: "decode loadCodeAssist", Reason: err.Error()}
	}
	if len(resp.Project) == 0 || string(resp.Project) == "null" {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(resp.Project, &asString); err == nil {
		return strings.TrimSpace(asString), nil
	}
	var asObject struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Project, &asObject); err == nil {
		return strings.TrimSpace(asObject.ID), nil
	}
	return "", nil
}

// FallbackProjectID is used when neither the token nor loadCodeAssist carries a project.
func FallbackProjectID() string {
	return fmt.Sprintf("projects/random-%s/locations/global", randomSuffix(8))
}

// ResolveProjectID prefers the known project, then loadCodeAssist, then a
// random fallback. The second result reports whether the lookup found a new one.
func (c *Client) ResolveProjectID(ctx context.Context, accessToken, known string) (string, bool) {
	if known = strings.TrimSpace(known); known != "" {
		return known, false
	}
	project, err := c.LoadProjectID(ctx, accessToken)
	if err != nil {
		c.logger.Warn("project lookup failed, using fallback", "error", err)
	}
	if project != "" {
		return project, true
	}
	fallback := FallbackProjectID()
	c.logger.Info("using fallback project id", "project_id", fallback)
	return fallback, false
}
