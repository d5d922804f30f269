package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/secrets"
)

// Webhook posts the reply as JSON to the dispatch destination. A static auth
// ref (resolved once) supplies the default bearer token; a dispatch-level
// CredentialRef overrides it per tenant.
type Webhook struct {
	httpClient *http.Client
	resolver   secrets.Resolver
	authRef    string

	authOnce sync.Once
	authTok  string
	authErr  error
}

type WebhookOption func(*Webhook)

func WithWebhookHTTPClient(httpClient *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.httpClient = httpClient
	}
}

// NewWebhook creates the default provider. authRef may be empty, in which
// case requests without a dispatch credential go out unauthenticated.
func NewWebhook(resolver secrets.Resolver, authRef string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		resolver:   resolver,
		authRef:    authRef,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookPayload struct {
	ConversationID string `json:"conversation_id"`
	ChannelKey     string `json:"channel_key"`
	Body           string `json:"body"`
}

func (w *Webhook) token(ctx context.Context, d Dispatch) (string, error) {
	if d.CredentialRef != "" {
		return w.resolver.Resolve(ctx, d.CredentialRef)
	}
	if w.authRef == "" {
		return "", nil
	}
	w.authOnce.Do(func() {
		w.authTok, w.authErr = w.resolver.Resolve(ctx, w.authRef)
	})
	return w.authTok, w.authErr
}

func (w *Webhook) Send(ctx context.Context, d Dispatch) (Receipt, error) {
	if d.Destination == "" {
		return Receipt{}, fault.Permanent("delivery.webhook", errors.New("dispatch has no destination"))
	}

	token, err := w.token(ctx, d)
	if err != nil {
		return Receipt{}, fault.Transient("delivery.webhook", fmt.Errorf("resolve credential: %w", err))
	}

	body, err := json.Marshal(webhookPayload{
		ConversationID: d.ConversationID,
		ChannelKey:     d.ChannelKey,
		Body:           d.Body,
	})
	if err != nil {
		return Receipt{}, fault.Permanent("delivery.webhook", fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Destination, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fault.Permanent("delivery.webhook", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := w.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fault.Transient("delivery.webhook", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		statusErr := fmt.Errorf("delivery endpoint returned %d: %s", res.StatusCode, string(buf))
		if fault.ClassifyStatus(res.StatusCode) == fault.ClassTransient {
			return Receipt{}, fault.Transient("delivery.webhook", statusErr)
		}
		return Receipt{}, fault.Permanent("delivery.webhook", statusErr)
	}

	return Receipt{
		ProviderMessageID: res.Header.Get("X-Message-Id"),
		Status:            "sent",
	}, nil
}
