package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
)

// ErrSummarization marks a summarization attempt cycle that exhausted its
// retries. The caller keeps the previous summary when it sees this.
var ErrSummarization = errors.New("summarization failed")

// systemPrompt instructs the model to maintain a rolling summary,
// merging new transcript lines into the previous one instead of
// replacing it.
const systemPrompt = `You are an AI meeting assistant that maintains real-time meeting summaries during ongoing business meetings.

ROLE: Analyze new transcript segments and update an existing meeting summary, integrating new information seamlessly with previous content.

TASK: When provided with new transcript lines, update the meeting summary by:
- INTEGRATING new information with existing summary (don't replace, enhance)
- IDENTIFYING new action items, decisions, and key points
- TRACKING unresolved questions and next steps
- MAINTAINING continuity and context from previous updates

OUTPUT FORMAT (JSON):
{
  "summary": "Concise overview integrating all discussion points, key decisions, and main themes covered so far",
  "actionItems": [
    {"task": "Specific actionable task", "assignee": "Person name or 'Unassigned'", "deadline": "Specific date or 'Not specified'"}
  ],
  "questions": [
    "Unresolved questions, concerns, or issues that need follow-up"
  ],
  "nextSteps": [
    "Immediate actions, planned meetings, or dependencies identified"
  ]
}

GUIDELINES:
- CONSOLIDATE similar action items or questions to avoid duplication
- FOCUS on business outcomes, decisions, and actionable information
- MARK incomplete information as "Not specified" rather than guessing
- EMPHASIZE what was DECIDED or AGREED upon, not just discussed

INTEGRATION STRATEGY:
- If updating existing summary: Enhance and expand, don't overwrite
- If creating new summary: Build comprehensive foundation for future updates
- Always preserve important decisions and commitments from earlier in the meeting`

// ClientConfig contains summarization client configuration.
type ClientConfig struct {
	Endpoint      string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Client calls a chat-completions style LLM endpoint to generate meeting
// summaries. Concurrent calls are limited by a weighted semaphore and
// each call retries transient failures with exponential backoff.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	sem        *semaphore.Weighted

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// ClientStats represents summarization client statistics.
type ClientStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewClient creates a new summarization client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}, nil
}

// chatMessage is one message of the chat-generations request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body sent to the LLM endpoint.
type chatRequest struct {
	Model      string        `json:"model,omitempty"`
	Messages   []chatMessage `json:"messages"`
	Parameters struct {
		MaxTokens   int     `json:"maxTokens"`
		Temperature float64 `json:"temperature"`
	} `json:"parameters"`
}

// chatResponse is the subset of the LLM response the client reads.
type chatResponse struct {
	Generation struct {
		GeneratedText string `json:"generatedText"`
	} `json:"generation"`
}

// Summarize generates a merged meeting summary from the previous summary
// and the recent final transcript lines. Retries happen inside this call;
// the returned summary carries neither LastUpdated nor the final count,
// which the caller stamps when applying it.
func (c *Client) Summarize(ctx context.Context, prev *session.MeetingSummary, lines []session.TranscriptLine) (session.MeetingSummary, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return session.MeetingSummary{}, err
	}
	defer c.sem.Release(1)

	c.incrementTotalRequests()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return session.MeetingSummary{}, ctx.Err()
			}
		}

		result, err := c.doRequest(ctx, prev, lines)
		if err == nil {
			c.incrementSuccessRequests()
			return result, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return session.MeetingSummary{}, fmt.Errorf("%w after %d attempts: %w", ErrSummarization, c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single HTTP call to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, prev *session.MeetingSummary, lines []session.TranscriptLine) (session.MeetingSummary, error) {
	req := chatRequest{
		Model:    c.config.Model,
		Messages: buildMessages(prev, lines),
	}
	req.Parameters.MaxTokens = 1500
	req.Parameters.Temperature = 0.3

	body, err := json.Marshal(req)
	if err != nil {
		return session.MeetingSummary{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return session.MeetingSummary{}, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.New().String())
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return session.MeetingSummary{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.MeetingSummary{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return session.MeetingSummary{}, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return session.MeetingSummary{}, fmt.Errorf("parse response JSON: %w", err)
	}

	if chatResp.Generation.GeneratedText == "" {
		return session.MeetingSummary{}, fmt.Errorf("empty generation in response")
	}

	return parseSummary(chatResp.Generation.GeneratedText), nil
}

// buildMessages assembles the conversation: system prompt, the previous
// summary as assistant context when present, then the new lines.
func buildMessages(prev *session.MeetingSummary, lines []session.TranscriptLine) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}

	if prev != nil {
		messages = append(messages, chatMessage{Role: "assistant", Content: formatSummaryContext(prev)})
	}

	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "- %s\n", l.Text)
	}

	verb := "create a meeting summary from"
	if prev != nil {
		verb = "update the meeting summary with"
	}
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Please %s these new transcript lines:\n\n%s", verb, sb.String()),
	})

	return messages
}

// formatSummaryContext renders the previous summary as plain text for the
// assistant context message.
func formatSummaryContext(s *session.MeetingSummary) string {
	var sb strings.Builder
	sb.WriteString("Current Meeting Summary:\n\n")
	fmt.Fprintf(&sb, "Summary: %s\n\n", s.Summary)

	if len(s.ActionItems) > 0 {
		sb.WriteString("Action Items:\n")
		for _, item := range s.ActionItems {
			fmt.Fprintf(&sb, "- %s (Assignee: %s, Deadline: %s)\n", item.Task, item.Assignee, item.Deadline)
		}
		sb.WriteString("\n")
	}

	if len(s.Questions) > 0 {
		sb.WriteString("Questions & Concerns:\n")
		for _, q := range s.Questions {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
		sb.WriteString("\n")
	}

	if len(s.NextSteps) > 0 {
		sb.WriteString("Next Steps:\n")
		for _, step := range s.NextSteps {
			fmt.Fprintf(&sb, "- %s\n", step)
		}
	}

	return sb.String()
}

// parseSummary extracts the structured summary from the generated text.
// Models sometimes wrap the JSON in prose; the first balanced brace span
// is tried before falling back to treating the whole text as the summary.
func parseSummary(text string) session.MeetingSummary {
	candidate := strings.TrimSpace(text)
	if !strings.HasPrefix(candidate, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start != -1 && end > start {
			candidate = text[start : end+1]
		}
	}

	var parsed session.MeetingSummary
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil && parsed.Summary != "" {
		return parsed
	}

	return session.MeetingSummary{
		Summary:     text,
		ActionItems: []session.ActionItem{},
		Questions:   []string{},
		NextSteps:   []string{},
	}
}

// isRetryableError determines if an error is worth another attempt.
func isRetryableError(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()

	// 5xx server errors and rate limiting are retryable.
	if strings.Contains(errStr, "HTTP error 5") || strings.Contains(errStr, "HTTP error 429") {
		return true
	}

	// Network errors are typically transient.
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
	}
}
