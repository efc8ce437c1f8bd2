package bridge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bnema/ag-wakeup/internal/domain"
)

// CascadeConfig builds the cascadeConfig sent with a message.
func CascadeConfig(model int64, maxOutputTokens int) map[string]any {
	tokens := effectiveMaxTokens(maxOutputTokens)
	return map[string]any{
		"plannerConfig": map[string]any{
			"requestedModel":  map[string]any{"model": model},
			"maxOutputTokens": tokens,
		},
		"checkpointConfig": map[string]any{
			"maxOutputTokens": tokens,
		},
	}
}

// NormalizeCascadeConfig makes sure plannerConfig and checkpointConfig exist
// and carry maxOutputTokens and requestedModel. Keys already present are left
// alone. planModel is only inserted when it is positive.
func NormalizeCascadeConfig(cfg map[string]any, model int64, maxOutputTokens int, planModel int64) map[string]any {
	if cfg == nil {
		cfg = map[string]any{}
	}
	tokens := effectiveMaxTokens(maxOutputTokens)

	planner, ok := cfg["plannerConfig"].(map[string]any)
	if !ok {
		planner = map[string]any{}
		cfg["plannerConfig"] = planner
	}
	checkpoint, ok := cfg["checkpointConfig"].(map[string]any)
	if !ok {
		checkpoint = map[string]any{}
		cfg["checkpointConfig"] = checkpoint
	}

	if planModel > 0 {
		setDefault(planner, "planModel", planModel)
	}
	setDefault(planner, "requestedModel", map[string]any{"model": model})
	setDefault(planner, "maxOutputTokens", tokens)
	setDefault(checkpoint, "maxOutputTokens", planner["maxOutputTokens"])
	return cfg
}

func setDefault(obj map[string]any, key string, value any) {
	if _, ok := obj[key]; !ok {
		obj[key] = value
	}
}

func effectiveMaxTokens(n int) int {
	if n <= 0 {
		return domain.DefaultMaxOutputTokens
	}
	return n
}

// pollOutcome is what one trajectory snapshot says about the exchange.
type pollOutcome struct {
	status string
	reply  string
	err    *domain.TrajectoryError
	// unrecognized holds steps no known shape matched. They never decide
	// the outcome.
	unrecognized []json.RawMessage
}

// inspectTrajectory scans steps from the end. A finished planner response
// with text wins; otherwise the latest errorMessage step fails the exchange.
func inspectTrajectory(body []byte) (pollOutcome, error) {
	trajectory, err := domain.DecodeTrajectory(body)
	if err != nil {
		return pollOutcome{}, &domain.ProtocolError{Op: "GetCascadeTrajectory", Reason: err.Error()}
	}
	out := pollOutcome{status: trajectory.Status}

	steps, unrecognized := decodeSteps(trajectory.Steps)
	out.unrecognized = unrecognized
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Planner == nil || !step.Planner.Done {
			continue
		}
		if reply := strings.TrimSpace(step.Planner.Reply); reply != "" {
			out.reply = reply
			return out, nil
		}
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Failure != nil {
			out.err = trajectoryError(trajectory.TrajectoryID, steps[i])
			return out, nil
		}
	}
	return out, nil
}

// decodeSteps splits raw steps into decoded ones and the ones DecodeStep
// rejects.
func decodeSteps(raw []json.RawMessage) ([]domain.Step, []json.RawMessage) {
	steps := make([]domain.Step, 0, len(raw))
	var unrecognized []json.RawMessage
	for _, r := range raw {
		step, err := domain.DecodeStep(r)
		if err != nil {
			unrecognized = append(unrecognized, r)
			continue
		}
		steps = append(steps, step)
	}
	return steps, unrecognized
}

func trajectoryError(trajectoryID string, step domain.Step) *domain.TrajectoryError {
	return &domain.TrajectoryError{
		Kind:             domain.ClassifyErrorCode(step.Failure.Code),
		Message:          step.Failure.Message,
		Code:             step.Failure.Code,
		ValidationURL:    step.Failure.ValidationURL,
		TrajectoryID:     strings.TrimSpace(trajectoryID),
		ErrorMessageJSON: step.Value,
		StepJSON:         step.Raw,
	}
}

// summarizeTrajectory renders a one-line digest used for poll logging.
func summarizeTrajectory(body []byte) string {
	trajectory, err := domain.DecodeTrajectory(body)
	if err != nil {
		return "undecodable"
	}
	status := trajectory.Status
	if status == "" {
		status = "-"
	}
	if len(trajectory.Steps) == 0 {
		return fmt.Sprintf("status=%s, steps=0", status)
	}

	steps, _ := decodeSteps(trajectory.Steps)
	lastCase := "-"
	if len(steps) > 0 && steps[len(steps)-1].Case != "" {
		lastCase = steps[len(steps)-1].Case
	}
	plannerKeys := "-"
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Kind != domain.StepKindPlannerResponse {
			continue
		}
		var obj map[string]json.RawMessage
		if json.Unmarshal(steps[i].Value, &obj) == nil {
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			plannerKeys = strings.Join(keys, ",")
		}
		break
	}
	return fmt.Sprintf("status=%s, steps=%d, last_step_case=%s, planner_keys=%s", status, len(trajectory.Steps), lastCase, plannerKeys)
}
