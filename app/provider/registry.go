package provider

import (
	"errors"
	"strings"
)

var ErrProviderNotSupported = errors.New("provider is not supported")

type Registry struct {
	providers map[int32]Provider
	byName    map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	items := make(map[int32]Provider, len(providers))
	names := make(map[string]Provider, len(providers))
	for _, p := range providers {
		items[p.Code()] = p
		names[strings.ToLower(p.Name())] = p
	}
	return &Registry{providers: items, byName: names}
}

func (r *Registry) Get(code int32) (Provider, error) {
	provider, ok := r.providers[code]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return provider, nil
}

func (r *Registry) GetByName(name string) (Provider, error) {
	provider, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return provider, nil
}
