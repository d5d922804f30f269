// Package delivery sends assistant replies back to the user's channel. A
// channel key's scheme (the part before the first colon) picks the provider:
// webhook is the default transport, email goes through Mailgun, telegram
// through the Bot API. Send errors come back fault-classified.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/junksamiad/replies-engine/internal/fault"
)

// Dispatch is one outbound reply.
type Dispatch struct {
	ChannelKey     string
	ConversationID string
	// Destination is the user-side address from the conversation record:
	// a callback URL, an email address, or a chat id.
	Destination string
	Body        string
	// CredentialRef optionally overrides the provider's configured
	// credential for this tenant.
	CredentialRef string
}

// Receipt identifies the delivered message at the provider.
type Receipt struct {
	ProviderMessageID string
	Status            string
}

// Provider delivers one dispatch over a concrete channel.
type Provider interface {
	Send(ctx context.Context, d Dispatch) (Receipt, error)
}

// Scheme extracts the routing scheme from a channel key:
// "email:mg.acme.com" routes to "email". A key without a colon is its own
// scheme.
func Scheme(channelKey string) string {
	if i := strings.IndexByte(channelKey, ':'); i >= 0 {
		return channelKey[:i]
	}
	return channelKey
}

// Registry routes dispatches to providers by channel-key scheme.
type Registry struct {
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry creates a registry with an optional fallback provider used for
// schemes with no explicit registration. Passing nil means unknown schemes
// fail permanently.
func NewRegistry(fallback Provider) *Registry {
	return &Registry{providers: make(map[string]Provider), fallback: fallback}
}

func (r *Registry) Register(scheme string, p Provider) {
	r.providers[scheme] = p
}

// Route returns the provider for a channel key.
func (r *Registry) Route(channelKey string) (Provider, error) {
	scheme := Scheme(channelKey)
	if p, ok := r.providers[scheme]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fault.Permanent("delivery.route", fmt.Errorf("no provider for channel scheme %q", scheme))
}

// Send routes and delivers in one call.
func (r *Registry) Send(ctx context.Context, d Dispatch) (Receipt, error) {
	p, err := r.Route(d.ChannelKey)
	if err != nil {
		return Receipt{}, err
	}
	return p.Send(ctx, d)
}
