package unsubscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/siftmail/sift-worker/internal/openrouter"
)

// Completion is the language model surface the planner consumes. The
// model gives no structured output guarantee; parsing is defensive.
type Completion interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ActionType is the constrained vocabulary the agent will execute on a
// page. Anything else invalidates the plan.
type ActionType string

const (
	ActionClick  ActionType = "click"
	ActionFill   ActionType = "fill"
	ActionSelect ActionType = "select"
	ActionSubmit ActionType = "submit"
	ActionWait   ActionType = "wait"
)

// Action is one step of an unsubscribe plan.
type Action struct {
	Type     ActionType `json:"type"`
	Selector string     `json:"selector"`
	Value    string     `json:"value,omitempty"`
}

// Plan is the model's proposal for the loaded page.
type Plan struct {
	CanUnsubscribe    bool     `json:"canUnsubscribe"`
	Confidence        int      `json:"confidence"`
	Actions           []Action `json:"actions"`
	Reasoning         string   `json:"reasoning"`
	SuccessIndicators []string `json:"successIndicators"`
}

const (
	// htmlLimit bounds the rendered HTML sent to the model to keep token
	// cost in check.
	htmlLimit = 8000
	// textLimit bounds the visible text sent to the model.
	textLimit = 4000
)

// ParsePlan turns a raw model response into a Plan. The response is
// untrusted input: the first {...} block is extracted and validated, and
// any parse or validation failure yields a plan with
// canUnsubscribe=false carrying the failure as reasoning.
func ParsePlan(response string) *Plan {
	var plan Plan
	if err := json.Unmarshal([]byte(openrouter.ExtractJSON(response)), &plan); err != nil {
		return &Plan{
			CanUnsubscribe: false,
			Reasoning:      fmt.Sprintf("planner response was not valid JSON: %v", err),
		}
	}

	for _, action := range plan.Actions {
		switch action.Type {
		case ActionClick, ActionFill, ActionSelect, ActionSubmit, ActionWait:
		default:
			return &Plan{
				CanUnsubscribe: false,
				Reasoning:      fmt.Sprintf("planner proposed unsupported action type %q", action.Type),
			}
		}
		if action.Type != ActionWait && action.Selector == "" {
			return &Plan{
				CanUnsubscribe: false,
				Reasoning:      fmt.Sprintf("planner proposed %s action without a selector", action.Type),
			}
		}
	}

	return &plan
}

// buildPlanPrompt assembles the planning request for one loaded page.
func buildPlanPrompt(pageURL, visibleText, renderedHTML string) string {
	return fmt.Sprintf(`You are an AI that operates unsubscribe pages. Analyze the page below and produce a plan to unsubscribe this email address: {{EMAIL}}.

### OUTPUT FORMAT (STRICT JSON ONLY)
{
  "canUnsubscribe": true,
  "confidence": 0,
  "actions": [
    {"type": "click|fill|select|submit|wait", "selector": "<css selector>", "value": "<optional>"}
  ],
  "reasoning": "",
  "successIndicators": ["<text that will appear on the page if it worked>"]
}

### RULES
- Output ONLY the JSON object, no explanations.
- confidence is 0-100; be honest about uncertainty.
- Allowed action types are exactly: click, fill, select, submit, wait.
- Use {{EMAIL}} as the value for any email input.
- If the page requires a login, a CAPTCHA, or is not an unsubscribe page, set canUnsubscribe to false and explain in reasoning.

### PAGE URL
%s

### VISIBLE TEXT
%s

### RENDERED HTML (truncated)
%s`, pageURL, clip(visibleText, textLimit), clip(renderedHTML, htmlLimit))
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
