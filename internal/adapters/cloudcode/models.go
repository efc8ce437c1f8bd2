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
	fetchModelsPath    = "/v1internal:fetchAvailableModels"
	fetchModelsTimeout = 15 * time.Second
)

// ModelMeta is one entry of the upstream models map.
type ModelMeta struct {
	DisplayName   string `json:"displayName"`
	ModelConstant string `json:"model"`
	Recommended   *bool  `json:"recommended"`
}

type modelSort struct {
	Groups []struct {
		ModelIDs []string `json:"modelIds"`
	} `json:"groups"`
}

type modelsPayload struct {
	AgentModelSorts []modelSort          `json:"agentModelSorts"`
	Models          map[string]ModelMeta `json:"models"`
}

type modelsResponse struct {
	Payload *modelsPayload `json:"payload"`
	modelsPayload
}

// ModelCatalog is the decoded fetchAvailableModels response.
type ModelCatalog struct {
	Models map[string]ModelMeta
	Order  []string
}

// Lookup returns the entry for alias.
func (c ModelCatalog) Lookup(alias string) (ModelMeta, bool) {
	if c.Models == nil {
		return ModelMeta{}, false
	}
	meta, ok := c.Models[strings.TrimSpace(alias)]
	return meta, ok
}

// Options lists models in agentModelSorts order, falling back to the fixed
// wakeup list when the upstream ordering yields nothing.
func (c ModelCatalog) Options() []domain.ModelOption {
	var out []domain.ModelOption
	for _, id := range c.Order {
		meta, ok := c.Models[id]
		if !ok {
			continue
		}
		name := meta.DisplayName
		if name == "" {
			name = id
		}
		out = append(out, domain.ModelOption{ID: id, DisplayName: name, ModelConstant: meta.ModelConstant})
	}
	if len(out) == 0 {
		return FallbackModels()
	}
	return out
}

func FallbackModels() []domain.ModelOption {
	return []domain.ModelOption{
		{ID: "gemini-3.1-pro-high", DisplayName: "Gemini 3.1 Pro (High)", ModelConstant: "MODEL_PLACEHOLDER_M37"},
		{ID: "gemini-3.1-pro-low", DisplayName: "Gemini 3.1 Pro (Low)", ModelConstant: "MODEL_PLACEHOLDER_M36"},
		{ID: "gemini-3-flash", DisplayName: "Gemini 3 Flash", ModelConstant: "MODEL_PLACEHOLDER_M18"},
		{ID: "claude-sonnet-4-6", DisplayName: "Claude Sonnet 4.6 (Thinking)", ModelConstant: "MODEL_PLACEHOLDER_M35"},
		{ID: "claude-opus-4-6-thinking", DisplayName: "Claude Opus 4.6 (Thinking)", ModelConstant: "MODEL_PLACEHOLDER_M26"},
		{ID: "gpt-oss-120b-medium", DisplayName: "GPT-OSS 120B (Medium)", ModelConstant: "MODEL_OPENAI_GPT_OSS_120B_MEDIUM"},
	}
}

// FetchAvailableModels calls fetchAvailableModels with failover.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken string) (ModelCatalog, error) {
	var catalog ModelCatalog
	err := c.withFailover(ctx, "fetchAvailableModels", func(ctx context.Context, baseURL string) error {
		data, err := c.postJSON(ctx, baseURL, fetchModelsPath, accessToken, struct{}{}, fetchModelsTimeout)
		if err != nil {
			return err
		}
		parsed, err := decodeModelCatalog(data)
		if err != nil {
			return err
		}
		catalog = parsed
		return nil
	})
	if err != nil {
		return ModelCatalog{}, fmt.Errorf("fetch available models: %w", err)
	}
	return catalog, nil
}

func decodeModelCatalog(data []byte) (ModelCatalog, error) {
	var resp modelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ModelCatalog{}, &domain.ProtocolError{Op: "decode model list", Reason: err.Error()}
	}

	models := resp.Models
	sorts := resp.AgentModelSorts
	if resp.Payload != nil {
		if resp.Payload.Models != nil {
			models = resp.Payload.Models
		}
		if resp.Payload.AgentModelSorts != nil {
			sorts = resp.Payload.AgentModelSorts
		}
	}

	seen := make(map[string]struct{})
	var order []string
	for _, sort := range sorts {
		for _, group := range sort.Groups {
			for _, id := range group.ModelIDs {
				id = strings.TrimSpace(id)
				if id == "" {
					continue
				}
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				order = append(order, id)
			}
		}
	}
	return ModelCatalog{Models: models, Order: order}, nil
}
