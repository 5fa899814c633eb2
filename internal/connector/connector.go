// Package connector defines the contract every transaction source implements
// and the registry the sync orchestrator resolves sources from.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/navid-fn/txradar/internal/models"
)

var (
	// ErrUnknownSource is returned when no connector is registered for a source id.
	ErrUnknownSource = errors.New("unknown source")

	// ErrBadCredentials is returned when a source's config lacks a required field.
	ErrBadCredentials = errors.New("bad credentials")
)

// Credentials is the per-tenant source config as written in the tenant directory.
type Credentials map[string]any

// Settings is the connector-owned cursor state persisted between calls.
// The orchestrator stores and returns it without looking inside.
type Settings map[string]any

// Result is what one Query call produced.
type Result struct {
	Records  []models.StandardTx
	Settings Settings
}

// Connector translates one partner API into canonical records.
//
// Query must depend only on its arguments: no state may survive between calls
// other than what is returned in Result.Settings. It may be called again with
// the same settings after a crash and must tolerate that.
type Connector interface {
	Query(ctx context.Context, creds Credentials, settings Settings) (Result, error)
}

// Func adapts a plain function to Connector.
type Func func(ctx context.Context, creds Credentials, settings Settings) (Result, error)

func (f Func) Query(ctx context.Context, creds Credentials, settings Settings) (Result, error) {
	return f(ctx, creds, settings)
}

// Registry maps source ids to connectors. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds c under source, replacing any previous entry.
func (r *Registry) Register(source string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[source] = c
}

// Get looks up the connector for source.
func (r *Registry) Get(source string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return c, nil
}

// Sources returns the registered source ids, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// String returns the value at key as a string, or "". Keys match case-insensitively
// because the tenant file loader folds them to lower case.
func (c Credentials) String(key string) string {
	if v, ok := c[key]; ok {
		return asString(v)
	}
	for k, v := range c {
		if strings.EqualFold(k, key) {
			return asString(v)
		}
	}
	return ""
}

// Require returns the string at key or ErrBadCredentials.
func (c Credentials) Require(key string) (string, error) {
	v := c.String(key)
	if v == "" {
		return "", fmt.Errorf("%w: missing %q", ErrBadCredentials, key)
	}
	return v, nil
}

// String returns the value at key as a string, or "".
func (s Settings) String(key string) string {
	return asString(s[key])
}

// Float returns the value at key as a float64. Values round-tripped through
// JSON come back as float64 or strings; both are accepted.
func (s Settings) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns the value at key truncated to an int.
func (s Settings) Int(key string) (int, bool) {
	f, ok := s.Float(key)
	return int(f), ok
}

// Clone returns a shallow copy so a connector can build its next settings
// without mutating the caller's map.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
