// Package tenants lists the tenants and the sources each one has configured.
package tenants

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/navid-fn/txradar/internal/models"
)

// Directory is where the engines learn which (tenant, source) pairs exist.
type Directory interface {
	Tenants(ctx context.Context) ([]models.Tenant, error)
}

type fileLayout struct {
	Tenants []models.Tenant `mapstructure:"tenants"`
}

// FileDirectory reads tenants from a YAML file and reloads it when it changes.
//
//	tenants:
//	  - id: edge
//	    sources:
//	      changenow: { apiKey: "..." }
type FileDirectory struct {
	v      *viper.Viper
	logger *slog.Logger

	mu      sync.RWMutex
	tenants []models.Tenant
}

// NewFileDirectory loads path once and starts watching it.
func NewFileDirectory(path string, logger *slog.Logger) (*FileDirectory, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	d := &FileDirectory{v: v, logger: logger.With("component", "tenants")}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	if err := d.reload(); err != nil {
		return nil, err
	}

	d.logger.Info("Tenants loaded", "file", v.ConfigFileUsed(), "count", len(d.tenants))

	v.OnConfigChange(func(e fsnotify.Event) {
		d.logger.Info("Tenants file changed", "file", e.Name)
		if err := d.reload(); err != nil {
			d.logger.Error("Reload tenants failed, keeping previous list", "error", err)
		}
	})
	v.WatchConfig()

	return d, nil
}

func (d *FileDirectory) reload() error {
	var layout fileLayout
	if err := d.v.Unmarshal(&layout); err != nil {
		return fmt.Errorf("decode tenants file: %w", err)
	}
	for i, t := range layout.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant #%d has no id", i)
		}
	}

	d.mu.Lock()
	d.tenants = layout.Tenants
	d.mu.Unlock()
	return nil
}

func (d *FileDirectory) Tenants(ctx context.Context) ([]models.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Tenant, len(d.tenants))
	copy(out, d.tenants)
	return out, nil
}

// StaticDirectory is a fixed list, used by tools and tests.
type StaticDirectory []models.Tenant

func (s StaticDirectory) Tenants(ctx context.Context) ([]models.Tenant, error) {
	return s, nil
}

// Pair is one (tenant, source) unit of work.
type Pair struct {
	Tenant      string
	Source      string
	Credentials map[string]any
}

// Pairs flattens tenants into (tenant, source) pairs sorted by tenant then source.
// Empty allow-lists admit everything.
func Pairs(tenants []models.Tenant, allowTenants, allowSources []string) []Pair {
	tenantOK := toSet(allowTenants)
	sourceOK := toSet(allowSources)

	var out []Pair
	for _, t := range tenants {
		if len(tenantOK) > 0 && !tenantOK[t.ID] {
			continue
		}
		for source, creds := range t.Sources {
			if len(sourceOK) > 0 && !sourceOK[source] {
				continue
			}
			out = append(out, Pair{Tenant: t.ID, Source: source, Credentials: creds})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
