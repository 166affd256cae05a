package db

// Schema defines the SQLite database schema for the node inventory.
// nodes holds the latest snapshot of every machine; deployments keeps one
// row per deploy attempt.
const Schema = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    driver TEXT NOT NULL,
    driver_info TEXT NOT NULL DEFAULT '{}',
    power_state TEXT NOT NULL DEFAULT 'unknown',
    target_power_state TEXT NOT NULL DEFAULT '',
    provision_state TEXT NOT NULL DEFAULT 'available',
    image_ref TEXT NOT NULL DEFAULT '',
    pxe_config TEXT NOT NULL DEFAULT '',
    root_mb INTEGER NOT NULL DEFAULT 0,
    swap_mb INTEGER NOT NULL DEFAULT 0,
    ephemeral_mb INTEGER NOT NULL DEFAULT 0,
    ephemeral_format TEXT NOT NULL DEFAULT '',
    preserve_ephemeral INTEGER NOT NULL DEFAULT 0,
    root_uuid TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_provision_state ON nodes(provision_state);

CREATE TABLE IF NOT EXISTS deployments (
    id TEXT PRIMARY KEY,
    node_id TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    image_ref TEXT NOT NULL DEFAULT '',
    root_uuid TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_deployments_node_id ON deployments(node_id);
`

// Deployment status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Deployment represents one deploy attempt
type Deployment struct {
	ID           string
	NodeID       string
	Status       string
	ImageRef     string
	RootUUID     string
	ErrorMessage string
	StartedAt    string
	FinishedAt   string
}
