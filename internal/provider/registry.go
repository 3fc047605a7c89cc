package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chatrelay/internal/models"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrProviderUnavailable indicates the backend could not be reached or answered non-2xx
// before producing any content.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrGenerationFailed indicates a blocking generation request failed.
var ErrGenerationFailed = errors.New("generation failed")

// ErrModelNotFound indicates the backend does not offer the named model.
var ErrModelNotFound = errors.New("model not found")

// ErrUnsupported indicates the provider lacks an optional capability.
var ErrUnsupported = errors.New("operation not supported by provider")

// Provider is the capability set every text-generation backend implements.
//
// GenerateChat returns the final text when req.Stream is false. When req.Stream is true it
// returns the raw response body and its record format; decoding is left to the caller.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
	CheckHealth(ctx context.Context) bool
	GenerateChat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error)
}

// ModelManager is implemented by providers whose backend can install and remove models.
// PullModel reports progress records in backend order and stops at the first callback error.
type ModelManager interface {
	PullModel(ctx context.Context, name string, progress func(models.PullProgress) error) error
	DeleteModel(ctx context.Context, name string) error
}

// FindModel looks name up in the provider's model list.
func FindModel(ctx context.Context, p Provider, name string) (models.Model, error) {
	list, err := p.ListModels(ctx)
	if err != nil {
		return models.Model{}, err
	}
	for _, m := range list {
		if m.ID == name {
			return m, nil
		}
	}
	return models.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
}

// Registry maps provider names to adapter instances and tracks the active one.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
	active string
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register adds the provider under its name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p
	return nil
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// SetActive selects the provider used for generation.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	r.active = name
	return nil
}

// Active returns the selected provider.
func (r *Registry) Active() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return nil, fmt.Errorf("%w: no active provider selected", ErrUnknownProvider)
	}
	return r.byName[r.active], nil
}

// Names lists registered providers in a stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
