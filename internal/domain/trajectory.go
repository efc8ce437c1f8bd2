package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type StepKind int

const (
	StepKindOther StepKind = iota
	StepKindUserInput
	StepKindPlannerResponse
	StepKindErrorMessage
)

const (
	StepCaseUserInput       = "userInput"
	StepCasePlannerResponse = "plannerResponse"
	StepCaseErrorMessage    = "errorMessage"
)

// knownStepCases lists the oneof keys a step may carry at its top level.
var knownStepCases = []string{
	StepCasePlannerResponse,
	StepCaseErrorMessage,
	StepCaseUserInput,
	"toolCall",
	"checkpoint",
	"commandStatus",
	"notifyUser",
	"ephemeralMessage",
}

var ErrUnrecognizedStep = errors.New("unrecognized trajectory step")

const defaultStepErrorMessage = "language server returned an error"

// Step is one decoded trajectory entry. Exactly one of Planner, Failure or
// UserInput is set for the matching Kind.
type Step struct {
	Kind   StepKind
	Case   string
	Status string
	Raw    json.RawMessage
	Value  json.RawMessage

	UserInput *UserInputStep
	Planner   *PlannerStep
	Failure   *ErrorStep
}

type UserInputStep struct {
	Text string
}

type PlannerStep struct {
	Done  bool
	Reply string
}

type ErrorStep struct {
	Message       string
	Code          *int64
	ValidationURL string
}

// Trajectory is the decoded GetCascadeTrajectory response.
type Trajectory struct {
	Status       string
	TrajectoryID string
	Steps        []json.RawMessage
}

func DecodeTrajectory(body []byte) (Trajectory, error) {
	var envelope struct {
		Status     string `json:"status"`
		Trajectory *struct {
			TrajectoryID string            `json:"trajectoryId"`
			Steps        []json.RawMessage `json:"steps"`
		} `json:"trajectory"`
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Trajectory{}, fmt.Errorf("decode trajectory: %w", err)
	}

	out := Trajectory{Status: envelope.Status, Steps: envelope.Steps}
	if envelope.Trajectory != nil {
		out.TrajectoryID = envelope.Trajectory.TrajectoryID
		if len(envelope.Trajectory.Steps) > 0 {
			out.Steps = envelope.Trajectory.Steps
		}
	}
	return out, nil
}

// DecodeStep decodes one step. Steps carry either {step:{case,value}} or a
// single top-level oneof key; anything else is ErrUnrecognizedStep.
func DecodeStep(raw json.RawMessage) (Step, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Step{}, fmt.Errorf("decode step: %w", err)
	}

	step := Step{Raw: raw, Status: rawString(fields["status"])}

	if inner, ok := fields["step"]; ok {
		var tagged struct {
			Case  string          `json:"case"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(inner, &tagged); err == nil && tagged.Case != "" {
			step.Case = tagged.Case
			step.Value = tagged.Value
		}
	}
	if step.Case == "" {
		for _, name := range knownStepCases {
			if value, ok := fields[name]; ok && !isJSONNull(value) {
				step.Case = name
				step.Value = value
				break
			}
		}
	}
	if step.Case == "" {
		return Step{}, ErrUnrecognizedStep
	}

	switch step.Case {
	case StepCasePlannerResponse:
		step.Kind = StepKindPlannerResponse
		step.Planner = &PlannerStep{
			Done:  strings.HasSuffix(step.Status, "DONE"),
			Reply: plannerReply(step.Value),
		}
	case StepCaseErrorMessage:
		step.Kind = StepKindErrorMessage
		step.Failure = decodeErrorStep(step.Value)
	case StepCaseUserInput:
		step.Kind = StepKindUserInput
		step.UserInput = &UserInputStep{Text: userInputText(step.Value)}
	default:
		step.Kind = StepKindOther
	}

	return step, nil
}

// plannerReply picks modifiedResponse, then response (string or .text), then
// the first text part of response.candidates[0].
func plannerReply(value json.RawMessage) string {
	obj := asObject(decodeAny(value))
	if obj == nil {
		return ""
	}
	if text := trimmedString(obj["modifiedResponse"]); text != "" {
		return text
	}
	switch response := obj["response"].(type) {
	case string:
		return strings.TrimSpace(response)
	case map[string]any:
		if text := trimmedString(response["text"]); text != "" {
			return text
		}
		return firstCandidateText(response)
	}
	return ""
}

func firstCandidateText(response map[string]any) string {
	candidates, _ := response["candidates"].([]any)
	if len(candidates) == 0 {
		return ""
	}
	content := asObject(asObject(candidates[0])["content"])
	parts, _ := content["parts"].([]any)
	for _, part := range parts {
		if text := trimmedString(asObject(part)["text"]); text != "" {
			return text
		}
	}
	return ""
}

func userInputText(value json.RawMessage) string {
	obj := asObject(decodeAny(value))
	if text := trimmedString(obj["userResponse"]); text != "" {
		return text
	}
	items, _ := obj["items"].([]any)
	texts := make([]string, 0, len(items))
	for _, item := range items {
		if text := trimmedString(asObject(item)["text"]); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

func decodeErrorStep(value json.RawMessage) *ErrorStep {
	root := asObject(decodeAny(value))
	errObj := asObject(root["error"])
	if errObj == nil {
		errObj = root
	}

	out := &ErrorStep{Message: defaultStepErrorMessage}
	for _, source := range []map[string]any{errObj, root} {
		if msg := firstString(source, "userErrorMessage", "message", "shortError", "fullError"); msg != "" {
			out.Message = msg
			break
		}
	}
	for _, source := range []map[string]any{errObj, root} {
		if code, ok := firstCode(source, "errorCode", "code"); ok {
			out.Code = &code
			break
		}
	}
	for _, source := range []map[string]any{errObj, root} {
		if url := validationURL(source["details"]); url != "" {
			out.ValidationURL = url
			break
		}
	}
	return out
}

// validationURL looks for a google.rpc.ErrorInfo with reason VALIDATION_REQUIRED.
func validationURL(details any) string {
	if text, ok := details.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return ""
		}
		details = parsed
	}

	var entries []any
	switch typed := details.(type) {
	case []any:
		entries = typed
	case map[string]any:
		if inner := asObject(typed["error"]); inner != nil {
			entries, _ = inner["details"].([]any)
		} else {
			entries, _ = typed["details"].([]any)
		}
	}

	for _, entry := range entries {
		obj := asObject(entry)
		if obj == nil {
			continue
		}
		if obj["@type"] != "type.googleapis.com/google.rpc.ErrorInfo" || obj["reason"] != "VALIDATION_REQUIRED" {
			continue
		}
		if url := trimmedString(asObject(obj["metadata"])["validation_url"]); url != "" {
			return url
		}
	}
	return ""
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if text := trimmedString(obj[key]); text != "" {
			return text
		}
	}
	return ""
}

func firstCode(obj map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			if v == math.Trunc(v) {
				return int64(v), true
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func asObject(value any) map[string]any {
	obj, _ := value.(map[string]any)
	return obj
}

func trimmedString(value any) string {
	text, _ := value.(string)
	return strings.TrimSpace(text)
}

func rawString(raw json.RawMessage) string {
	var out string
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil {
		return ""
	}
	return out
}

func isJSONNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
