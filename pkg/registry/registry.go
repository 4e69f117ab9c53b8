// Package registry maps (user_id, request_type) pairs to handler bindings.
// The map is a copy-on-write snapshot replaced atomically on reload; lookups
// never block and in-flight invocations keep the snapshot they were admitted
// with.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Source provides handler bindings for a reload.
type Source interface {
	Load() ([]*models.HandlerConfig, error)
}

type bindingKey struct {
	userID      string
	requestType string
}

type snapshot struct {
	bindings     map[bindingKey]*models.HandlerConfig
	requestTypes []string
}

// Registry is the reloadable handler configuration registry.
type Registry struct {
	source        Source
	maxTTLMinutes int
	defaultTTLMin int
	state         atomic.Pointer[snapshot]
}

// New creates a Registry backed by the given source. TTLs outside
// [1, maxTTLMinutes] are clamped at load; zero TTLs get defaultTTLMinutes.
// Call Reload before first use.
func New(source Source, defaultTTLMinutes, maxTTLMinutes int) *Registry {
	r := &Registry{
		source:        source,
		maxTTLMinutes: maxTTLMinutes,
		defaultTTLMin: defaultTTLMinutes,
	}
	r.state.Store(&snapshot{bindings: map[bindingKey]*models.HandlerConfig{}})
	return r
}

// Reload atomically replaces the binding map from the source. Readers observe
// either the pre-reload or post-reload snapshot, never a partial state.
func (r *Registry) Reload() error {
	configs, err := r.source.Load()
	if err != nil {
		return fmt.Errorf("loading handler bindings: %w", err)
	}

	bindings := make(map[bindingKey]*models.HandlerConfig, len(configs))
	typeSet := make(map[string]struct{})
	for _, cfg := range configs {
		if cfg.RequestType == "" || cfg.OwnerUserID == "" || cfg.HandlerClass == "" {
			return fmt.Errorf("handler binding missing handler_class, request_type, or owner_user_id: %+v", cfg)
		}
		key := bindingKey{userID: cfg.OwnerUserID, requestType: cfg.RequestType}
		if _, dup := bindings[key]; dup {
			return fmt.Errorf("duplicate handler binding for user %q request_type %q", cfg.OwnerUserID, cfg.RequestType)
		}
		bindings[key] = r.clampTTL(cfg)
		typeSet[cfg.RequestType] = struct{}{}
	}

	requestTypes := make([]string, 0, len(typeSet))
	for rt := range typeSet {
		requestTypes = append(requestTypes, rt)
	}
	sort.Strings(requestTypes)

	r.state.Store(&snapshot{bindings: bindings, requestTypes: requestTypes})
	slog.Info("Handler registry loaded", "bindings", len(bindings), "request_types", len(requestTypes))
	return nil
}

// FindHandler returns the binding for (userID, requestType), or nil.
func (r *Registry) FindHandler(userID, requestType string) *models.HandlerConfig {
	return r.state.Load().bindings[bindingKey{userID: userID, requestType: requestType}]
}

// AllRequestTypes returns the sorted set of known request types.
func (r *Registry) AllRequestTypes() []string {
	return r.state.Load().requestTypes
}

// Size returns the number of bindings in the current snapshot.
func (r *Registry) Size() int {
	return len(r.state.Load().bindings)
}

func (r *Registry) clampTTL(cfg *models.HandlerConfig) *models.HandlerConfig {
	out := *cfg
	switch {
	case out.TTLMinutes <= 0:
		out.TTLMinutes = r.defaultTTLMin
	case out.TTLMinutes > r.maxTTLMinutes:
		slog.Warn("Handler TTL clamped to maximum",
			"request_type", out.RequestType,
			"ttl_minutes", out.TTLMinutes,
			"max_ttl_minutes", r.maxTTLMinutes)
		out.TTLMinutes = r.maxTTLMinutes
	}
	return &out
}
