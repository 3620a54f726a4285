package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/siftmail/sift-worker/internal/service"
)

type Client struct {
	clientID     string
	clientSecret string
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (c *Client) serviceFor(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListMessageIDs fetches only message IDs matching a query (lightweight, fast)
func (c *Client) ListMessageIDs(ctx context.Context, accessToken, query string, maxResults int64) ([]string, error) {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	listResp, err := svc.Users.Messages.List("me").Q(query).MaxResults(maxResults).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messageIDs := make([]string, 0, len(listResp.Messages))
	for _, msg := range listResp.Messages {
		messageIDs = append(messageIDs, msg.Id)
	}
	return messageIDs, nil
}

// ListHistory fetches message ids added since startHistoryID and the new
// cursor. The provider rejects cursors that are too old; callers fall back
// to ListMessageIDs and reseed from GetProfile in that case.
func (c *Client) ListHistory(ctx context.Context, accessToken, startHistoryID string) (*service.HistoryResult, error) {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	start, err := strconv.ParseUint(startHistoryID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history cursor %q: %w", startHistoryID, err)
	}

	result := &service.HistoryResult{HistoryID: startHistoryID}
	seen := make(map[string]bool)
	pageToken := ""
	for {
		call := svc.Users.History.List("me").StartHistoryId(start).HistoryTypes("messageAdded")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				result.MessageIDs = append(result.MessageIDs, added.Message.Id)
			}
		}
		if resp.HistoryId > 0 {
			result.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return result, nil
}

// GetProfile returns the account's address and current history id
func (c *Client) GetProfile(ctx context.Context, accessToken string) (*service.ProfileResult, error) {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	profile, err := svc.Users.GetProfile("me").Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &service.ProfileResult{
		Email:     profile.EmailAddress,
		HistoryID: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// GetMessage fetches a single message by ID and parses it
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*service.MailMessage, error) {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	fullMsg, err := svc.Users.Messages.Get("me", messageID).Format("full").Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	msg, err := c.parseMessage(fullMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return msg, nil
}

// ModifyLabels adds and removes labels on a message
func (c *Client) ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) error {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return err
	}

	_, err = svc.Users.Messages.Modify("me", messageID, &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Do()
	if err != nil {
		return fmt.Errorf("failed to modify labels: %w", err)
	}
	return nil
}

// TrashMessage moves a message to the provider's trash
func (c *Client) TrashMessage(ctx context.Context, accessToken, messageID string) error {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return err
	}

	if _, err := svc.Users.Messages.Trash("me", messageID).Do(); err != nil {
		return fmt.Errorf("failed to trash message: %w", err)
	}
	return nil
}

// Watch registers a push subscription for mailbox changes. The provider
// expires subscriptions after ~7 days, so these are renewed periodically.
func (c *Client) Watch(ctx context.Context, accessToken, topic string) (*service.WatchResult, error) {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	return &service.WatchResult{
		HistoryID:  strconv.FormatUint(resp.HistoryId, 10),
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch cancels the account's push subscription
func (c *Client) StopWatch(ctx context.Context, accessToken string) error {
	svc, err := c.serviceFor(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := svc.Users.Stop("me").Do(); err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	tokenSource := config.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	return result, nil
}

// parseMessage parses a Gmail message into a MailMessage with all fields
func (c *Client) parseMessage(msg *gmail.Message) (*service.MailMessage, error) {
	out := &service.MailMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
		Headers:  make(map[string]string),
	}

	if msg.Payload == nil {
		return out, nil
	}

	for _, header := range msg.Payload.Headers {
		out.Headers[header.Name] = header.Value

		switch header.Name {
		case "Subject":
			out.Subject = header.Value
		case "From":
			out.From = header.Value
		case "To":
			out.To = header.Value
		case "List-Unsubscribe":
			out.ListUnsubscribe = header.Value
		case "Date":
			parsedDate, err := parseEmailDate(header.Value)
			if err != nil {
				log.Printf("Warning: failed to parse date '%s': %v", header.Value, err)
			} else {
				out.Date = parsedDate
			}
		}
	}

	bodyText, bodyHTML := c.extractBodies(msg.Payload)
	out.BodyText = bodyText
	out.BodyHTML = bodyHTML
	out.HasAttachments = c.hasAttachments(msg.Payload)

	return out, nil
}

// extractBodies extracts both text and HTML bodies from the message payload
func (c *Client) extractBodies(payload *gmail.MessagePart) (string, string) {
	var textPlain, textHTML string

	if payload.Body != nil && payload.Body.Data != "" {
		decoded, err := decodeBodyData(payload.Body.Data)
		if err == nil {
			switch payload.MimeType {
			case "text/plain":
				textPlain = string(decoded)
			case "text/html":
				textHTML = string(decoded)
			}
		}
	}

	c.extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)

	return textPlain, textHTML
}

// extractBodiesFromParts recursively extracts text and HTML from message parts
func (c *Client) extractBodiesFromParts(parts []*gmail.MessagePart, textPlain, textHTML *string) {
	for _, part := range parts {
		if part.Body != nil && part.Body.Data != "" {
			decoded, err := decodeBodyData(part.Body.Data)
			if err == nil {
				if part.MimeType == "text/plain" && *textPlain == "" {
					*textPlain = string(decoded)
				} else if part.MimeType == "text/html" && *textHTML == "" {
					*textHTML = string(decoded)
				}
			}
		}

		if len(part.Parts) > 0 {
			c.extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

// decodeBodyData decodes a body's Data field. The API serves unpadded
// base64url, but padded values show up in the wild too.
func decodeBodyData(data string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

// hasAttachments reports whether any part carries a filename
func (c *Client) hasAttachments(payload *gmail.MessagePart) bool {
	for _, part := range payload.Parts {
		if part.Filename != "" && part.Body != nil {
			return true
		}
		if len(part.Parts) > 0 && c.hasAttachments(part) {
			return true
		}
	}
	return false
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Gmail sometimes appends a timezone name in parentheses after the
	// numeric offset, e.g. "(UTC)".
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
