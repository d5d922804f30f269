package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	mg "github.com/mailgun/mailgun-go/v5"

	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/secrets"
)

const defaultEmailSubject = "New reply to your conversation"

// Mailgun delivers replies to email destinations. The API key is resolved
// through the secrets resolver on first send and the client reused after
// that; Mailgun failures are retried via redelivery.
type Mailgun struct {
	domain   string
	region   string
	subject  string
	resolver secrets.Resolver
	keyRef   string

	clientOnce sync.Once
	client     *mg.Client
	clientErr  error
}

type MailgunOption func(*Mailgun)

func WithEmailSubject(subject string) MailgunOption {
	return func(m *Mailgun) {
		m.subject = subject
	}
}

func NewMailgun(resolver secrets.Resolver, keyRef, domain, region string, opts ...MailgunOption) (*Mailgun, error) {
	if resolver == nil {
		return nil, errors.New("delivery: secrets resolver must not be nil")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, errors.New("delivery: mailgun domain must not be empty")
	}
	if strings.TrimSpace(keyRef) == "" {
		return nil, errors.New("delivery: mailgun api key ref must not be empty")
	}
	m := &Mailgun{
		domain:   domain,
		region:   region,
		subject:  defaultEmailSubject,
		resolver: resolver,
		keyRef:   keyRef,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Mailgun) resolveClient(ctx context.Context) (*mg.Client, error) {
	m.clientOnce.Do(func() {
		apiKey, err := m.resolver.Resolve(ctx, m.keyRef)
		if err != nil {
			m.clientErr = fmt.Errorf("resolve mailgun api key: %w", err)
			return
		}
		client := mg.NewMailgun(apiKey)
		if m.region == "eu" {
			client.SetAPIBase(mg.APIBaseEU)
		}
		m.client = client
	})
	return m.client, m.clientErr
}

func (m *Mailgun) Send(ctx context.Context, d Dispatch) (Receipt, error) {
	if d.Destination == "" {
		return Receipt{}, fault.Permanent("delivery.mailgun", errors.New("dispatch has no destination"))
	}

	client, err := m.resolveClient(ctx)
	if err != nil {
		return Receipt{}, fault.Transient("delivery.mailgun", err)
	}

	from := fmt.Sprintf("noreply@%s", m.domain)
	msg := mg.NewMessage(m.domain, from, m.subject, d.Body, d.Destination)

	resp, err := client.Send(ctx, msg)
	if err != nil {
		return Receipt{}, fault.Transient("delivery.mailgun", fmt.Errorf("mailgun send: %w", err))
	}
	return Receipt{ProviderMessageID: resp.ID, Status: "queued"}, nil
}
