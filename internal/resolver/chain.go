// Package resolver holds the ordered resolver chain.
package resolver

import (
	"context"

	"scriptresolver/internal/locator"
)

// Resolver maps a script and caller to a raw locator. Returning ok == false
// declines the request; returning an error aborts the whole chain.
type Resolver func(ctx context.Context, scriptID, callerID string) (raw locator.Raw, ok bool, err error)

// Chain is an ordered list of resolvers. Registration order is attempt order.
// A Chain is not safe for concurrent mutation; the manager guards it.
type Chain struct {
	resolvers []Resolver
}

func (c *Chain) Add(fn Resolver) {
	c.resolvers = append(c.resolvers, fn)
}

func (c *Chain) RemoveAll() {
	c.resolvers = nil
}

func (c *Chain) Len() int {
	return len(c.resolvers)
}

// Clone returns a copy that is unaffected by later Add/RemoveAll calls.
func (c *Chain) Clone() *Chain {
	return &Chain{resolvers: append([]Resolver(nil), c.resolvers...)}
}

// Resolve invokes resolvers one after another and returns the first result a
// resolver accepts. Resolver i+1 never starts before resolver i returned.
func (c *Chain) Resolve(ctx context.Context, scriptID, callerID string) (locator.Raw, error) {
	if len(c.resolvers) == 0 {
		return locator.Raw{}, &ConfigurationError{Reason: "no resolvers"}
	}
	for _, fn := range c.resolvers {
		raw, ok, err := fn(ctx, scriptID, callerID)
		if err != nil {
			return locator.Raw{}, err
		}
		if ok {
			return raw, nil
		}
	}
	return locator.Raw{}, &ResolutionError{ScriptID: scriptID, CallerID: callerID}
}
