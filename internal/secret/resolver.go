package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/therealbill/prober/internal/xerrors"
)

const refPrefix = "secretref:"

// Provider resolves one kind of reference. Implementations must be safe
// for concurrent use and must not log the values they return.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// ParseRef splits secretref:<provider>:<ref>. ok is false for plain values.
func ParseRef(value string) (provider, ref string, ok bool) {
	if !strings.HasPrefix(value, refPrefix) {
		return "", "", false
	}
	provider, ref, found := strings.Cut(strings.TrimPrefix(value, refPrefix), ":")
	if !found || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}

// IsRef reports whether value looks like a reference, well formed or not.
func IsRef(value string) bool { return strings.HasPrefix(value, refPrefix) }

type Resolver struct {
	providers map[string]Provider
}

func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same name.
func (r *Resolver) Register(p Provider) {
	if p == nil {
		return
	}
	r.providers[p.Name()] = p
}

// Resolve returns value unchanged unless it is a reference. An empty
// resolved secret is an error.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name, ref, ok := ParseRef(value)
	if !ok {
		return "", xerrors.New("malformed secret reference, want secretref:<provider>:<ref>")
	}
	p, ok := r.providers[name]
	if !ok {
		return "", xerrors.Newf("secret provider %q is not registered", name)
	}
	out, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", xerrors.Wrapf(err, "resolve %s secret", name)
	}
	if out == "" {
		return "", xerrors.Newf("%s secret resolved to an empty value", name)
	}
	return out, nil
}

// ResolveAll resolves every named value in place, stopping at the first
// failure. The error names the field, never the value.
func (r *Resolver) ResolveAll(ctx context.Context, fields map[string]*string) error {
	for name, v := range fields {
		if v == nil {
			continue
		}
		out, err := r.Resolve(ctx, *v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*v = out
	}
	return nil
}
