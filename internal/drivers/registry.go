// Package drivers wires every partner connector into one registry.
package drivers

import (
	"log/slog"

	"github.com/navid-fn/txradar/internal/connector"
	"github.com/navid-fn/txradar/internal/drivers/changenow"
	"github.com/navid-fn/txradar/internal/drivers/sideshift"
)

// NewRegistry registers the built-in connectors against their public APIs.
func NewRegistry(logger *slog.Logger) *connector.Registry {
	r := connector.NewRegistry()
	r.Register(changenow.SourceID, changenow.New(connector.DefaultHTTPConfig(changenow.BaseURL, 2), logger))
	r.Register(sideshift.SourceID, sideshift.New(connector.DefaultHTTPConfig(sideshift.BaseURL, 2), logger))
	return r
}
