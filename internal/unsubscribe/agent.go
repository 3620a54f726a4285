package unsubscribe

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siftmail/sift-worker/internal/models"
)

const (
	// confidenceGate rejects plans the model itself is unsure about.
	confidenceGate = 50

	navigationTimeout = 30 * time.Second
	elementTimeout    = 5 * time.Second
	// actionSettleDelay lets the DOM settle between actions.
	actionSettleDelay = 1 * time.Second
	// submitNavigationWait gives a submit time to navigate or respond.
	submitNavigationWait = 2 * time.Second
	// bulkItemDelay spaces out bulk items as rate-limit courtesy to the
	// target sites.
	bulkItemDelay = 5 * time.Second
)

// successPhrases are canonical confirmation texts checked in addition to
// the plan's own success indicators.
var successPhrases = []string{
	"successfully unsubscribed",
	"you have been unsubscribed",
	"unsubscribed successfully",
	"removed from our list",
	"removed from our mailing list",
	"opted out",
	"you will no longer receive",
	"subscription has been cancelled",
	"preferences have been updated",
}

// Request is one unsubscribe target: the message's unsubscribe header and
// bodies for link discovery, and the account address for form filling.
type Request struct {
	MessageID       string
	Email           string
	ListUnsubscribe string
	BodyHTML        string
	BodyText        string
}

// Result is the structured outcome returned to the caller. On anything
// other than success the caller can offer the discovered URL for a manual
// fallback.
type Result struct {
	Status    models.AttemptStatus
	Success   bool
	Message   string
	TargetURL string
	Steps     []models.AttemptStep
}

// AttemptRecorder persists the audit record of each invocation.
type AttemptRecorder interface {
	Create(ctx context.Context, attempt *models.UnsubscribeAttempt) error
}

// UnsubscribedMarker stamps a message once an unsubscribe is verified.
type UnsubscribedMarker interface {
	MarkUnsubscribed(ctx context.Context, messageID string) error
}

// Agent drives the unsubscribe state machine: link discovery, page load,
// AI planning, gated action execution, verification. It holds a borrowed
// browser handle; the caller owns the handle's lifecycle.
type Agent struct {
	browser    Browser
	completion Completion
	attempts   AttemptRecorder
	messages   UnsubscribedMarker
	settle     func(time.Duration)
}

func NewAgent(browser Browser, completion Completion, attempts AttemptRecorder, messages UnsubscribedMarker) *Agent {
	return &Agent{
		browser:    browser,
		completion: completion,
		attempts:   attempts,
		messages:   messages,
		settle:     time.Sleep,
	}
}

// Unsubscribe runs one attempt end to end and records it. The returned
// Result is never nil.
func (a *Agent) Unsubscribe(ctx context.Context, req Request) *Result {
	result := &Result{}
	defer a.record(ctx, req, result)

	// Link discovery.
	targets := Discover(req.ListUnsubscribe, req.BodyHTML, req.BodyText)
	if len(targets) == 0 {
		result.Status = models.AttemptBlocked
		result.Message = "no unsubscribe target found"
		a.step(result, "linkDiscovery", "no candidates", "")
		return result
	}

	target := targets[0]
	result.TargetURL = target
	a.step(result, "linkDiscovery", fmt.Sprintf("%d candidate(s), selected %s", len(targets), target), "")

	// mailto: targets are returned for manual action, never browsed.
	if strings.HasPrefix(target, "mailto:") {
		result.Status = models.AttemptManual
		result.Message = "unsubscribe requires sending an email; manual action needed"
		return result
	}

	// Page load. Failure here is terminal for the attempt.
	page, err := a.browser.NewPage()
	if err != nil {
		result.Status = models.AttemptBlocked
		result.Message = "browser unavailable"
		a.step(result, "pageLoad", "", err.Error())
		return result
	}
	defer page.Close()

	if err := page.Goto(target, navigationTimeout); err != nil {
		result.Status = models.AttemptBlocked
		result.Message = "failed to load unsubscribe page"
		a.step(result, "pageLoad", target, err.Error())
		return result
	}
	a.step(result, "pageLoad", target, "")

	// Planning. The screenshot is captured for the audit trail only.
	if shot, err := page.Screenshot(); err == nil {
		a.step(result, "aiPlanning", fmt.Sprintf("captured screenshot (%d bytes)", len(shot)), "")
	} else {
		a.step(result, "aiPlanning", "screenshot unavailable", err.Error())
	}

	plan := a.plan(ctx, page, target)
	if !plan.CanUnsubscribe || plan.Confidence < confidenceGate {
		result.Status = models.AttemptBlocked
		result.Message = fmt.Sprintf("plan rejected (canUnsubscribe=%t, confidence=%d): %s", plan.CanUnsubscribe, plan.Confidence, plan.Reasoning)
		a.step(result, "aiPlanning", result.Message, "")
		return result
	}
	a.step(result, "aiPlanning", fmt.Sprintf("plan accepted with confidence %d, %d action(s)", plan.Confidence, len(plan.Actions)), "")

	// Action execution: strictly in order, each action isolated.
	for i, action := range plan.Actions {
		label := fmt.Sprintf("action %d/%d %s %s", i+1, len(plan.Actions), action.Type, action.Selector)
		if err := a.execute(page, action, req.Email); err != nil {
			a.step(result, "actionExecution", label, err.Error())
		} else {
			a.step(result, "actionExecution", label, "")
		}
		a.settle(actionSettleDelay)
	}

	// Verification.
	finalText, err := page.VisibleText()
	if err != nil {
		result.Status = models.AttemptUnverified
		result.Message = "actions executed but final page text was unreadable"
		a.step(result, "verification", "", err.Error())
		return result
	}

	if indicator, ok := confirmationIn(finalText, plan.SuccessIndicators); ok {
		result.Status = models.AttemptSuccess
		result.Success = true
		result.Message = "unsubscribe confirmed"
		a.step(result, "verification", fmt.Sprintf("matched %q", indicator), "")
		if a.messages != nil && req.MessageID != "" {
			if err := a.messages.MarkUnsubscribed(ctx, req.MessageID); err != nil {
				log.Printf("Unsubscribe: failed to mark message %s: %v", req.MessageID, err)
			}
		}
		return result
	}

	result.Status = models.AttemptUnverified
	result.Message = "actions executed but no confirmation text was found"
	a.step(result, "verification", "no confirmation match", "")
	return result
}

// BulkUnsubscribe processes targets sequentially on the shared browser
// with a fixed delay between items. No per-item parallelism: one browser
// process, and no hammering of third-party sites. The caller tears the
// browser handle down once after the whole batch.
func (a *Agent) BulkUnsubscribe(ctx context.Context, reqs []Request) []*Result {
	results := make([]*Result, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 {
			a.settle(bulkItemDelay)
		}
		results = append(results, a.Unsubscribe(ctx, req))
	}
	return results
}

func (a *Agent) plan(ctx context.Context, page Page, target string) *Plan {
	content, err := page.Content()
	if err != nil {
		return &Plan{Reasoning: fmt.Sprintf("failed to read page content: %v", err)}
	}
	visible, err := page.VisibleText()
	if err != nil {
		return &Plan{Reasoning: fmt.Sprintf("failed to read page text: %v", err)}
	}

	response, err := a.completion.Complete(ctx, buildPlanPrompt(target, visible, content))
	if err != nil {
		return &Plan{Reasoning: fmt.Sprintf("planner call failed: %v", err)}
	}
	return ParsePlan(response)
}

func (a *Agent) execute(page Page, action Action, email string) error {
	switch action.Type {
	case ActionClick:
		return page.Click(action.Selector, elementTimeout)
	case ActionFill:
		value := strings.ReplaceAll(action.Value, "{{EMAIL}}", email)
		return page.Fill(action.Selector, value, elementTimeout)
	case ActionSelect:
		return page.SelectOption(action.Selector, action.Value, elementTimeout)
	case ActionSubmit:
		if err := page.Click(action.Selector, elementTimeout); err != nil {
			return err
		}
		if err := page.WaitForNavigation(submitNavigationWait); err != nil {
			// Some forms respond in place without navigating.
			log.Printf("Unsubscribe: no navigation after submit: %v", err)
		}
		return nil
	case ActionWait:
		delay := actionSettleDelay
		if action.Value != "" {
			if ms, err := strconv.Atoi(action.Value); err == nil && ms > 0 {
				delay = time.Duration(ms) * time.Millisecond
			}
		}
		a.settle(delay)
		return nil
	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func (a *Agent) step(result *Result, step, detail, errMsg string) {
	result.Steps = append(result.Steps, models.AttemptStep{
		Step:   step,
		Detail: detail,
		Error:  errMsg,
	})
}

// record persists the attempt as an append-only audit row. Recording
// failures are logged, not propagated; the caller still gets the result.
func (a *Agent) record(ctx context.Context, req Request, result *Result) {
	if a.attempts == nil {
		return
	}

	attempt := &models.UnsubscribeAttempt{
		ID:        uuid.New().String(),
		MessageID: req.MessageID,
		TargetURL: result.TargetURL,
		Status:    result.Status,
		Steps:     result.Steps,
		CreatedAt: time.Now(),
	}
	if !result.Success && result.Message != "" {
		msg := result.Message
		attempt.LastError = &msg
	}

	if err := a.attempts.Create(ctx, attempt); err != nil {
		log.Printf("Unsubscribe: failed to record attempt for message %s: %v", req.MessageID, err)
	}
}

func confirmationIn(text string, indicators []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, indicator := range indicators {
		if indicator == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(indicator)) {
			return indicator, true
		}
	}
	for _, phrase := range successPhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
