package models

import "fmt"

// Checkpoint is the persisted sync progress of one tenant and source.
// Settings belongs to the connector; the orchestrator never looks inside.
type Checkpoint struct {
	ID       string         `json:"_id"`
	Tenant   string         `json:"tenant"`
	Source   string         `json:"source"`
	Settings map[string]any `json:"settings"`

	// Revision is the optimistic-concurrency token. Zero means "not stored yet".
	Revision uint64 `json:"_rev"`
}

// CheckpointID builds the storage id of a checkpoint.
func CheckpointID(tenant, source string) string {
	return fmt.Sprintf("%s_%s", tenant, source)
}

// Tenant is an organization owning a set of configured sources.
type Tenant struct {
	ID string `mapstructure:"id" json:"id"`

	// Sources maps source id to its credentials/config.
	Sources map[string]map[string]any `mapstructure:"sources" json:"sources"`
}
