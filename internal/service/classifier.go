package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/siftmail/sift-worker/internal/models"
	"github.com/siftmail/sift-worker/internal/openrouter"
	"github.com/siftmail/sift-worker/internal/repository"
)

// ErrNoCategories means the user has not configured any categories. This
// is a precondition failure, not something retries can fix.
var ErrNoCategories = errors.New("no categories configured")

const (
	// excerptLimit bounds the message text sent to the completion API.
	excerptLimit = 2000
	// summaryFallbackLimit bounds the truncated-body fallback summary.
	summaryFallbackLimit = 280
)

// Classifier assigns imported messages to categories and produces short
// summaries. Model responses are untrusted input: every anomaly (bad
// JSON, unknown category name, API error) resolves to an explicit
// fallback rather than an error, so a flaky model degrades the result,
// never the pipeline.
type Classifier struct {
	completion   CompletionClient
	categoryRepo *repository.CategoryRepository
}

func NewClassifier(completion CompletionClient, categoryRepo *repository.CategoryRepository) *Classifier {
	return &Classifier{
		completion:   completion,
		categoryRepo: categoryRepo,
	}
}

// Classification is the categorize outcome. Source records whether the
// model named the category or the fallback placed it.
type Classification struct {
	Category *models.Category
	Source   models.CategorySource
}

// Categorize picks one of the user's categories for the message. Returns
// ErrNoCategories when the user has none configured; any model failure
// falls back to the Uncategorized sentinel.
func (c *Classifier) Categorize(ctx context.Context, userID string, msg *MailMessage) (*Classification, error) {
	categories, err := c.categoryRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}

	prompt := buildCategorizePrompt(categories, msg)
	response, err := c.completion.Complete(ctx, prompt)
	if err != nil {
		log.Printf("Categorize call failed for message %s: %v", msg.ID, err)
		return c.fallback(ctx, userID)
	}

	var parsed struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(openrouter.ExtractJSON(response)), &parsed); err != nil {
		log.Printf("Categorize response for message %s was not valid JSON: %v", msg.ID, err)
		return c.fallback(ctx, userID)
	}

	for i := range categories {
		if strings.EqualFold(categories[i].Name, strings.TrimSpace(parsed.Category)) {
			return &Classification{Category: &categories[i], Source: models.CategorySourceAI}, nil
		}
	}

	log.Printf("Categorize named unknown category %q for message %s", parsed.Category, msg.ID)
	return c.fallback(ctx, userID)
}

func (c *Classifier) fallback(ctx context.Context, userID string) (*Classification, error) {
	category, err := c.categoryRepo.GetOrCreateUncategorized(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Classification{Category: category, Source: models.CategorySourceFallback}, nil
}

// Summarize produces a 2-3 sentence summary. On any failure it returns a
// truncated excerpt of the body instead of an error.
func (c *Classifier) Summarize(ctx context.Context, msg *MailMessage) string {
	prompt := buildSummarizePrompt(msg)
	response, err := c.completion.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(response) == "" {
		if err != nil {
			log.Printf("Summarize call failed for message %s: %v", msg.ID, err)
		}
		return truncate(excerptOf(msg), summaryFallbackLimit)
	}
	return strings.TrimSpace(response)
}

func buildCategorizePrompt(categories []models.Category, msg *MailMessage) string {
	var list strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&list, "- %s: %s\n", cat.Name, cat.Description)
	}

	return fmt.Sprintf(`You are an AI that sorts email into exactly one of the user's categories.

### CATEGORIES
%s
### OUTPUT FORMAT (STRICT JSON ONLY)
{"category": "<name of one category from the list above>"}

### CRITICAL RULES
- Output ONLY the JSON object, no explanations.
- The category value must be copied verbatim from the list.

### Now categorize this email:

From: %s
Subject: %s

%s`, list.String(), msg.From, msg.Subject, truncate(excerptOf(msg), excerptLimit))
}

func buildSummarizePrompt(msg *MailMessage) string {
	return fmt.Sprintf(`Summarize this email in 2-3 plain sentences. Mention who it is from and what action, if any, it asks of the reader. Output only the summary text.

From: %s
Subject: %s

%s`, msg.From, msg.Subject, truncate(excerptOf(msg), excerptLimit))
}

// excerptOf prefers the plain-text body, then the snippet, then the
// subject line.
func excerptOf(msg *MailMessage) string {
	if body := strings.TrimSpace(msg.BodyText); body != "" {
		return body
	}
	if snippet := strings.TrimSpace(msg.Snippet); snippet != "" {
		return snippet
	}
	return msg.Subject
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
