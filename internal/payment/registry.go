package payment

import (
	"fmt"
	"slices"
)

type Registry struct {
	gateways map[Method]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Method]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

func (r *Registry) Get(m Method) (Gateway, error) {
	g, ok := r.gateways[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
	return g, nil
}

// Webhook finds the webhook parser of a method, looking through decorators.
func (r *Registry) Webhook(m Method) (WebhookParser, error) {
	g, err := r.Get(m)
	if err != nil {
		return nil, err
	}

	for g != nil {
		if p, ok := g.(WebhookParser); ok {
			return p, nil
		}
		u, ok := g.(Unwrapper)
		if !ok {
			break
		}
		g = u.Unwrap()
	}

	return nil, fmt.Errorf("%w: %q", ErrWebhookUnsupported, m)
}

func (r *Registry) Methods() []Method {
	out := make([]Method, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
