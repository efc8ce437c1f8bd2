package bridge

import (
	"context"
	"strconv"
	"strings"

	"github.com/bnema/ag-wakeup/internal/adapters/cloudcode"
	"github.com/bnema/ag-wakeup/internal/domain"
)

const (
	placeholderMarker = "PLACEHOLDER_M"
	placeholderBase   = 1000
)

// ModelConstantsRevision identifies the contents of modelConstants. Bump it
// whenever an entry is added or changed.
const ModelConstantsRevision = 1

// modelConstants holds enum names that are not PLACEHOLDER_M<N>.
var modelConstants = map[string]int64{
	"MODEL_OPENAI_GPT_OSS_120B_MEDIUM": 342,
	"OPENAI_GPT_OSS_120B_MEDIUM":       342,
}

// ModelLister fetches the account's available models.
type ModelLister interface {
	FetchAvailableModels(ctx context.Context, accessToken string) (cloudcode.ModelCatalog, error)
}

// ModelNumber maps a model constant to the numeric enum the language server
// expects.
func ModelNumber(constant string) (int64, bool) {
	trimmed := strings.TrimSpace(constant)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n, true
	}
	if idx, ok := placeholderIndex(trimmed); ok {
		return placeholderBase + idx, true
	}
	n, ok := modelConstants[trimmed]
	return n, ok
}

// placeholderIndex finds PLACEHOLDER_M<digits> anywhere in raw.
func placeholderIndex(raw string) (int64, bool) {
	start := strings.Index(raw, placeholderMarker)
	if start < 0 {
		return 0, false
	}
	rest := raw[start+len(placeholderMarker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(rest[:end], 10, 64)
	return n, err == nil
}

// ResolveModel turns an alias into a numeric model id. Every failure is a
// *domain.ModelResolutionError and is never retried.
func (b *Bridge) ResolveModel(ctx context.Context, accountID domain.AccountID, alias string) (int64, error) {
	trimmed := strings.TrimSpace(alias)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n, nil
	}
	if trimmed == "" {
		return 0, &domain.ModelResolutionError{Alias: alias, Reason: "empty model"}
	}
	if b.tokens == nil || b.models == nil {
		return 0, &domain.ModelResolutionError{Alias: trimmed, Reason: "model listing unavailable"}
	}

	_, token, err := b.tokens.EnsureFreshToken(ctx, accountID)
	if err != nil {
		return 0, &domain.ModelResolutionError{Alias: trimmed, Reason: "load token", Err: err}
	}
	catalog, err := b.models.FetchAvailableModels(ctx, token.AccessToken)
	if err != nil {
		return 0, &domain.ModelResolutionError{Alias: trimmed, Reason: "fetch available models", Err: err}
	}

	meta, ok := catalog.Lookup(trimmed)
	if !ok {
		return 0, &domain.ModelResolutionError{Alias: trimmed, Reason: "not returned by fetchAvailableModels"}
	}
	if strings.TrimSpace(meta.ModelConstant) == "" {
		return 0, &domain.ModelResolutionError{Alias: trimmed, Reason: "model has no model constant"}
	}
	n, ok := ModelNumber(meta.ModelConstant)
	if !ok {
		return 0, &domain.ModelResolutionError{Alias: trimmed, Reason: "unmapped model constant " + meta.ModelConstant}
	}
	b.logger.Info("resolved requested model", "alias", trimmed, "model_constant", meta.ModelConstant, "model", n)
	return n, nil
}
