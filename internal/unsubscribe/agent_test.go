package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/siftmail/sift-worker/internal/models"
)

type fakePage struct {
	gotoErr     error
	content     string
	visibleText string
	finalText   string

	clicks   []string
	fills    map[string]string
	selects  map[string]string
	navWaits int
	closed   bool

	clickErr map[string]error
}

func newFakePage() *fakePage {
	return &fakePage{
		fills:    make(map[string]string),
		selects:  make(map[string]string),
		clickErr: make(map[string]error),
	}
}

func (p *fakePage) Goto(url string, timeout time.Duration) error { return p.gotoErr }
func (p *fakePage) Screenshot() ([]byte, error)                  { return []byte{0x89, 0x50}, nil }
func (p *fakePage) Content() (string, error)                     { return p.content, nil }

func (p *fakePage) VisibleText() (string, error) {
	// After any action ran, return the post-action page text.
	if p.finalText != "" && (len(p.clicks) > 0 || len(p.fills) > 0) {
		return p.finalText, nil
	}
	return p.visibleText, nil
}

func (p *fakePage) Click(selector string, timeout time.Duration) error {
	if err := p.clickErr[selector]; err != nil {
		return err
	}
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *fakePage) Fill(selector, value string, timeout time.Duration) error {
	p.fills[selector] = value
	return nil
}

func (p *fakePage) SelectOption(selector, value string, timeout time.Duration) error {
	p.selects[selector] = value
	return nil
}

func (p *fakePage) WaitForNavigation(timeout time.Duration) error {
	p.navWaits++
	return nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeBrowser struct {
	page    *fakePage
	pageErr error
}

func (b *fakeBrowser) NewPage() (Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	return b.page, nil
}

func (b *fakeBrowser) Close() error { return nil }

type fakeCompletion struct {
	response string
	err      error
	prompts  []string
}

func (c *fakeCompletion) Complete(ctx context.Context, prompt string) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

type fakeRecorder struct {
	attempts []*models.UnsubscribeAttempt
}

func (r *fakeRecorder) Create(ctx context.Context, attempt *models.UnsubscribeAttempt) error {
	r.attempts = append(r.attempts, attempt)
	return nil
}

type fakeMarker struct {
	marked []string
}

func (m *fakeMarker) MarkUnsubscribed(ctx context.Context, messageID string) error {
	m.marked = append(m.marked, messageID)
	return nil
}

func testAgent(browser Browser, completion Completion, recorder *fakeRecorder, marker *fakeMarker) *Agent {
	agent := NewAgent(browser, completion, recorder, marker)
	agent.settle = func(time.Duration) {}
	return agent
}

const confidentPlan = `{"canUnsubscribe": true, "confidence": 90, "actions": [
	{"type": "fill", "selector": "#email", "value": "{{EMAIL}}"},
	{"type": "submit", "selector": "#confirm"}
], "successIndicators": ["you have been unsubscribed"]}`

func TestUnsubscribe_SuccessfulRun(t *testing.T) {
	page := newFakePage()
	page.visibleText = "Enter your email to unsubscribe"
	page.finalText = "Done! You have been unsubscribed from our newsletter."

	recorder := &fakeRecorder{}
	marker := &fakeMarker{}
	agent := testAgent(&fakeBrowser{page: page}, &fakeCompletion{response: confidentPlan}, recorder, marker)

	result := agent.Unsubscribe(context.Background(), Request{
		MessageID:       "msg-1",
		Email:           "alice@example.com",
		ListUnsubscribe: "<https://news.example.com/unsubscribe?u=1>",
	})

	if result.Status != models.AttemptSuccess || !result.Success {
		t.Fatalf("expected success, got %s (%s)", result.Status, result.Message)
	}
	if page.fills["#email"] != "alice@example.com" {
		t.Errorf("expected {{EMAIL}} substitution, got %q", page.fills["#email"])
	}
	if len(page.clicks) != 1 || page.clicks[0] != "#confirm" {
		t.Errorf("expected one submit click, got %v", page.clicks)
	}
	if page.navWaits != 1 {
		t.Errorf("expected one navigation wait after submit, got %d", page.navWaits)
	}
	if !page.closed {
		t.Error("page was not closed")
	}
	if len(marker.marked) != 1 || marker.marked[0] != "msg-1" {
		t.Errorf("expected message marked unsubscribed, got %v", marker.marked)
	}
	if len(recorder.attempts) != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", len(recorder.attempts))
	}
	if recorder.attempts[0].Status != models.AttemptSuccess {
		t.Errorf("recorded status = %s, want success", recorder.attempts[0].Status)
	}
	if recorder.attempts[0].LastError != nil {
		t.Errorf("success attempt should carry no error, got %v", *recorder.attempts[0].LastError)
	}
}

func TestUnsubscribe_LowConfidenceIsBlockedWithoutActions(t *testing.T) {
	page := newFakePage()
	page.visibleText = "Please sign in to manage your preferences"

	recorder := &fakeRecorder{}
	marker := &fakeMarker{}
	completion := &fakeCompletion{response: `{"canUnsubscribe": true, "confidence": 30, "actions": [{"type": "click", "selector": "#maybe"}], "reasoning": "page looks like a login wall"}`}
	agent := testAgent(&fakeBrowser{page: page}, completion, recorder, marker)

	result := agent.Unsubscribe(context.Background(), Request{
		MessageID:       "msg-2",
		Email:           "alice@example.com",
		ListUnsubscribe: "<https://news.example.com/unsubscribe>",
	})

	if result.Status != models.AttemptBlocked {
		t.Fatalf("expected blocked, got %s", result.Status)
	}
	if len(page.clicks) != 0 || len(page.fills) != 0 {
		t.Error("no actions should execute below the confidence gate")
	}
	if len(marker.marked) != 0 {
		t.Error("blocked attempt must not mark the message")
	}
	if len(recorder.attempts) != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", len(recorder.attempts))
	}
	attempt := recorder.attempts[0]
	if attempt.Status != models.AttemptBlocked {
		t.Errorf("recorded status = %s, want blocked", attempt.Status)
	}
	if attempt.LastError == nil || !strings.Contains(*attempt.LastError, "confidence=30") {
		t.Errorf("expected recorded error naming the confidence, got %v", attempt.LastError)
	}
}

func TestUnsubscribe_PlannerDeclines(t *testing.T) {
	page := newFakePage()
	completion := &fakeCompletion{response: `{"canUnsubscribe": false, "confidence": 95, "reasoning": "CAPTCHA present"}`}
	recorder := &fakeRecorder{}
	agent := testAgent(&fakeBrowser{page: page}, completion, recorder, &fakeMarker{})

	result := agent.Unsubscribe(context.Background(), Request{
		ListUnsubscribe: "<https://news.example.com/unsubscribe>",
	})

	if result.Status != models.AttemptBlocked {
		t.Fatalf("expected blocked, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "CAPTCHA") {
		t.Errorf("expected reasoning surfaced in message, got %q", result.Message)
	}
}

func TestUnsubscribe_NoTargetFound(t *testing.T) {
	recorder := &fakeRecorder{}
	agent := testAgent(&fakeBrowser{page: newFakePage()}, &fakeCompletion{}, recorder, &fakeMarker{})

	result := agent.Unsubscribe(context.Background(), Request{
		MessageID: "msg-3",
		BodyText:  "no links here at all",
	})

	if result.Status != models.AttemptBlocked {
		t.Fatalf("expected blocked, got %s", result.Status)
	}
	if result.TargetURL != "" {
		t.Errorf("expected empty target, got %q", result.TargetURL)
	}
	if len(recorder.attempts) != 1 {
		t.Errorf("expected the attempt recorded, got %d", len(recorder.attempts))
	}
}

func TestUnsubscribe_MailtoIsManual(t *testing.T) {
	completion := &fakeCompletion{}
	agent := testAgent(&fakeBrowser{pageErr: errors.New("browser must not start")}, completion, &fakeRecorder{}, &fakeMarker{})

	result := agent.Unsubscribe(context.Background(), Request{
		ListUnsubscribe: "<mailto:unsub@example.com>",
	})

	if result.Status != models.AttemptManual {
		t.Fatalf("expected manual, got %s", result.Status)
	}
	if result.TargetURL != "mailto:unsub@example.com" {
		t.Errorf("expected mailto target surfaced, got %q", result.TargetURL)
	}
	if len(completion.prompts) != 0 {
		t.Error("planner must not be called for mailto targets")
	}
}

func TestUnsubscribe_PageLoadFailureIsBlocked(t *testing.T) {
	page := newFakePage()
	page.gotoErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	recorder := &fakeRecorder{}
	agent := testAgent(&fakeBrowser{page: page}, &fakeCompletion{}, recorder, &fakeMarker{})

	result := agent.Unsubscribe(context.Background(), Request{
		ListUnsubscribe: "<https://gone.example.com/unsub>",
	})

	if result.Status != models.AttemptBlocked {
		t.Fatalf("expected blocked, got %s", result.Status)
	}
	if !page.closed {
		t.Error("page must be closed even when navigation fails")
	}
}

func TestUnsubscribe_ActionFailureIsIsolated(t *testing.T) {
	page := newFakePage()
	page.finalText = "You have been unsubscribed."
	page.clickErr["#missing"] = errors.New("timeout waiting for selector")

	plan := `{"canUnsubscribe": true, "confidence": 80, "actions": [
		{"type": "click", "selector": "#missing"},
		{"type": "fill", "selector": "#email", "value": "{{EMAIL}}"},
		{"type": "submit", "selector": "#go"}
	], "successIndicators": []}`
	agent := testAgent(&fakeBrowser{page: page}, &fakeCompletion{response: plan}, &fakeRecorder{}, &fakeMarker{})

	result := agent.Unsubscribe(context.Background(), Request{
		Email:           "bob@example.com",
		ListUnsubscribe: "<https://news.example.com/unsubscribe>",
	})

	// The failed click must not stop the later actions from running.
	if page.fills["#email"] != "bob@example.com" {
		t.Error("later actions should run after an earlier action fails")
	}
	if result.Status != models.AttemptSuccess {
		t.Errorf("expected success via canonical phrase match, got %s", result.Status)
	}

	var failedSteps int
	for _, step := range result.Steps {
		if step.Step == "actionExecution" && step.Error != "" {
			failedSteps++
		}
	}
	if failedSteps != 1 {
		t.Errorf("expected exactly 1 failed action step, got %d", failedSteps)
	}
}

func TestUnsubscribe_NoConfirmationIsUnverified(t *testing.T) {
	page := newFakePage()
	page.finalText = "Thanks for visiting."
	agent := testAgent(&fakeBrowser{page: page}, &fakeCompletion{response: confidentPlan}, &fakeRecorder{}, &fakeMarker{})

	result := agent.Unsubscribe(context.Background(), Request{
		Email:           "alice@example.com",
		ListUnsubscribe: "<https://news.example.com/unsubscribe>",
	})

	if result.Status != models.AttemptUnverified {
		t.Fatalf("expected unverified, got %s", result.Status)
	}
	if result.Success {
		t.Error("unverified result must not report success")
	}
}

func TestBulkUnsubscribe_SequentialAndRecorded(t *testing.T) {
	recorder := &fakeRecorder{}
	marker := &fakeMarker{}

	pages := 0
	browser := &sequencedBrowser{next: func() *fakePage {
		pages++
		page := newFakePage()
		page.finalText = "You have been unsubscribed."
		return page
	}}
	agent := testAgent(browser, &fakeCompletion{response: confidentPlan}, recorder, marker)

	reqs := []Request{
		{MessageID: "m1", Email: "a@example.com", ListUnsubscribe: "<https://one.example.com/unsubscribe>"},
		{MessageID: "m2", Email: "a@example.com", ListUnsubscribe: "<https://two.example.com/unsubscribe>"},
		{MessageID: "m3", Email: "a@example.com", BodyText: "nothing useful"},
	}

	results := agent.BulkUnsubscribe(context.Background(), reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != models.AttemptSuccess || results[1].Status != models.AttemptSuccess {
		t.Errorf("expected first two successes, got %s, %s", results[0].Status, results[1].Status)
	}
	if results[2].Status != models.AttemptBlocked {
		t.Errorf("expected third blocked, got %s", results[2].Status)
	}
	if pages != 2 {
		t.Errorf("expected 2 pages opened, got %d", pages)
	}
	if len(recorder.attempts) != 3 {
		t.Errorf("every bulk item must be recorded, got %d attempts", len(recorder.attempts))
	}
	if len(marker.marked) != 2 {
		t.Errorf("expected 2 messages marked, got %v", marker.marked)
	}
}

type sequencedBrowser struct {
	next func() *fakePage
}

func (b *sequencedBrowser) NewPage() (Page, error) {
	return b.next(), nil
}

func (b *sequencedBrowser) Close() error { return nil }

func TestExecute_WaitHonorsValue(t *testing.T) {
	var waited []time.Duration
	agent := testAgent(&fakeBrowser{}, &fakeCompletion{}, nil, nil)
	agent.settle = func(d time.Duration) { waited = append(waited, d) }

	if err := agent.execute(newFakePage(), Action{Type: ActionWait, Value: "250"}, ""); err != nil {
		t.Fatalf("wait action failed: %v", err)
	}
	if len(waited) != 1 || waited[0] != 250*time.Millisecond {
		t.Errorf("expected 250ms wait, got %v", waited)
	}
}

func TestExecute_RejectsUnknownAction(t *testing.T) {
	agent := testAgent(&fakeBrowser{}, &fakeCompletion{}, nil, nil)
	err := agent.execute(newFakePage(), Action{Type: ActionType("hover"), Selector: "#x"}, "")
	if err == nil {
		t.Fatal("expected error for unsupported action type")
	}
	if want := fmt.Sprintf("unsupported action type %q", "hover"); !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not mention the action type", err)
	}
}
