// Package llm is the conversational-AI client. It speaks the Responses API
// shape: one input string per call, thread continuity via
// previous_response_id, token usage in the reply. Errors come back
// fault-classified so the flush pipeline can map them to queue outcomes
// without inspecting HTTP details.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/secrets"
)

// Request is one generation call for a merged user turn.
type Request struct {
	ConversationID string
	// Input is the newline-merged batch body.
	Input string
	// PreviousResponseID continues the provider-side thread; empty on the
	// first turn of a conversation.
	PreviousResponseID string
	// IdempotencyKey makes redelivered tasks safe: the provider replays the
	// original response instead of generating twice.
	IdempotencyKey string
}

// Response carries the reply text, the new thread token, and usage counts.
type Response struct {
	ID         string
	OutputText string
	Usage      Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responsesRequest struct {
	Model              string            `json:"model"`
	Input              string            `json:"input"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type responsesResponse struct {
	ID         string `json:"id"`
	OutputText string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage Usage `json:"usage"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware
// context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llm: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Generator is the surface the flush pipeline consumes.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Client calls the Responses endpoint. The API key is resolved through the
// secrets resolver on the first call and reused for the process lifetime.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	resolver   secrets.Resolver
	keyRef     string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(resolver secrets.Resolver, keyRef string, opts ...Option) (*Client, error) {
	if resolver == nil {
		return nil, errors.New("llm: secrets resolver must not be nil")
	}
	if strings.TrimSpace(keyRef) == "" {
		return nil, errors.New("llm: api key ref must not be empty")
	}
	c := &Client{
		baseURL:    "https://api.openai.com",
		model:      "gpt-4o-mini",
		httpClient: &http.Client{Timeout: 90 * time.Second},
		resolver:   resolver,
		keyRef:     keyRef,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = c.resolver.Resolve(ctx, c.keyRef)
	})
	return c.apiKey, c.keyErr
}

func responsesURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/responses"
	}
	return base + "/v1/responses"
}

// Generate produces the assistant reply for one merged turn. Transport
// failures, timeouts, 408/429 and 5xx come back transient; other non-2xx
// statuses and malformed responses come back permanent.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, fault.Permanent("llm.generate", errors.New("empty input"))
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, fault.Transient("llm.generate", fmt.Errorf("resolve api key: %w", err))
	}

	body, err := json.Marshal(responsesRequest{
		Model:              c.model,
		Input:              req.Input,
		PreviousResponseID: req.PreviousResponseID,
		Metadata:           map[string]string{"conversation_id": req.ConversationID},
	})
	if err != nil {
		return nil, fault.Permanent("llm.generate", fmt.Errorf("marshal request: %w", err))
	}

	url := responsesURL(c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Permanent("llm.generate", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return nil, classify("llm.generate", err)
	}

	var payload responsesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fault.Permanent("llm.generate", fmt.Errorf("decode response: %w", err))
	}

	text := payload.OutputText
	if text == "" {
		for _, out := range payload.Output {
			for _, content := range out.Content {
				if content.Type == "output_text" && content.Text != "" {
					text = content.Text
					break
				}
			}
		}
	}
	if text == "" {
		return nil, fault.Permanent("llm.generate", errors.New("no output text in response"))
	}

	return &Response{ID: payload.ID, OutputText: text, Usage: payload.Usage}, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// classify maps upstream failures onto the retry taxonomy. Anything that is
// not a recognized HTTP status error is a transport problem and retryable.
func classify(op string, err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if fault.ClassifyStatus(statusErr.StatusCode) == fault.ClassTransient {
			return fault.Transient(op, err)
		}
		return fault.Permanent(op, err)
	}
	return fault.Transient(op, err)
}
