// Package db persists the node inventory and deployment history in SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/node"
)

// ErrNodeNotFound is returned when no node has the requested id.
var ErrNodeNotFound = stderrors.New("node not found")

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Repository provides database operations for nodes and deployments
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository opens dbPath and creates the schema.
func NewRepository(dbPath string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "db")
	logger.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		logger.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection serializes writers from concurrent node operations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		logger.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	logger.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const nodeColumns = `id, name, driver, driver_info, power_state, target_power_state, provision_state,
	image_ref, pxe_config, root_mb, swap_mb, ephemeral_mb, ephemeral_format, preserve_ephemeral,
	root_uuid, last_error, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*node.Node, error) {
	var (
		n         node.Node
		info      string
		preserve  int
		updatedAt string
	)
	err := s.Scan(&n.ID, &n.Name, &n.Driver, &info, &n.PowerState, &n.TargetPowerState, &n.ProvisionState,
		&n.ImageRef, &n.PXEConfigPath, &n.RootMiB, &n.SwapMiB, &n.EphemeralMiB, &n.EphemeralFormat, &preserve,
		&n.RootUUID, &n.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(info), &n.DriverInfo); err != nil {
		return nil, errors.Wrap(err, "failed to decode driver_info")
	}
	n.PreserveEphemeral = preserve != 0
	n.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateNode inserts a new node. Unset states default to unknown power and
// available provisioning.
func (r *Repository) CreateNode(ctx context.Context, n *node.Node) error {
	r.logger.Info("database_create_node", "node_id", n.ID, "driver", n.Driver)

	if n.PowerState == "" {
		n.PowerState = node.PowerUnknown
	}
	if n.ProvisionState == "" {
		n.ProvisionState = node.Available
	}
	info, err := json.Marshal(n.DriverInfo)
	if err != nil {
		return errors.Wrap(err, "failed to encode driver_info")
	}
	n.UpdatedAt = r.now().UTC()
	ts := n.UpdatedAt.Format(timeFormat)

	query := `
		INSERT INTO nodes (id, name, driver, driver_info, power_state, target_power_state, provision_state,
		    image_ref, pxe_config, root_mb, swap_mb, ephemeral_mb, ephemeral_format, preserve_ephemeral,
		    root_uuid, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.Name, n.Driver, string(info), n.PowerState, n.TargetPowerState, n.ProvisionState,
		n.ImageRef, n.PXEConfigPath, n.RootMiB, n.SwapMiB, n.EphemeralMiB, n.EphemeralFormat,
		boolInt(n.PreserveEphemeral), n.RootUUID, n.LastError, ts, ts)
	if err != nil {
		r.logger.Error("database_insert_failed", "node_id", n.ID, "error", err)
		return errors.Wrap(err, "failed to insert node")
	}
	return nil
}

// GetNode returns ErrNodeNotFound for unknown ids.
func (r *Repository) GetNode(ctx context.Context, id string) (*node.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if err != nil {
		r.logger.Error("database_query_failed", "node_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query node")
	}
	return n, nil
}

// ListNodes returns every node ordered by id.
func (r *Repository) ListNodes(ctx context.Context) ([]*node.Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		r.logger.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list nodes")
	}
	defer rows.Close()

	var nodes []*node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			r.logger.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return nodes, nil
}

// UpdateNode stores the snapshot n over the existing row.
func (r *Repository) UpdateNode(ctx context.Context, n *node.Node) error {
	info, err := json.Marshal(n.DriverInfo)
	if err != nil {
		return errors.Wrap(err, "failed to encode driver_info")
	}
	n.UpdatedAt = r.now().UTC()

	query := `
		UPDATE nodes
		SET name = ?, driver = ?, driver_info = ?, power_state = ?, target_power_state = ?, provision_state = ?,
		    image_ref = ?, pxe_config = ?, root_mb = ?, swap_mb = ?, ephemeral_mb = ?, ephemeral_format = ?,
		    preserve_ephemeral = ?, root_uuid = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		n.Name, n.Driver, string(info), n.PowerState, n.TargetPowerState, n.ProvisionState,
		n.ImageRef, n.PXEConfigPath, n.RootMiB, n.SwapMiB, n.EphemeralMiB, n.EphemeralFormat,
		boolInt(n.PreserveEphemeral), n.RootUUID, n.LastError, n.UpdatedAt.Format(timeFormat), n.ID)
	if err != nil {
		r.logger.Error("database_update_failed", "node_id", n.ID, "error", err)
		return errors.Wrap(err, "failed to update node")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, n.ID)
	}
	r.logger.Debug("database_node_updated", "node_id", n.ID, "power_state", n.PowerState, "provision_state", n.ProvisionState)
	return nil
}

// DeleteNode removes a node and its deployment history.
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	r.logger.Info("database_delete_node", "node_id", id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		r.logger.Error("database_delete_failed", "node_id", id, "error", err)
		return errors.Wrap(err, "failed to delete node")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE node_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete deployments")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// StartDeployment records a running deploy attempt.
func (r *Repository) StartDeployment(ctx context.Context, nodeID, imageRef string) (*Deployment, error) {
	d := &Deployment{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Status:    StatusRunning,
		ImageRef:  imageRef,
		StartedAt: r.now().UTC().Format(timeFormat),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deployments (id, node_id, status, image_ref, started_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.NodeID, d.Status, d.ImageRef, d.StartedAt)
	if err != nil {
		r.logger.Error("database_insert_deployment_failed", "node_id", nodeID, "error", err)
		return nil, errors.Wrap(err, "failed to insert deployment")
	}
	r.logger.Info("database_deployment_started", "node_id", nodeID, "deployment_id", d.ID)
	return d, nil
}

// FinishDeployment sets the final status of a deploy attempt.
func (r *Repository) FinishDeployment(ctx context.Context, id, status, rootUUID, errorMessage string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, root_uuid = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		status, rootUUID, errorMessage, r.now().UTC().Format(timeFormat), id)
	if err != nil {
		r.logger.Error("database_finish_deployment_failed", "deployment_id", id, "error", err)
		return errors.Wrap(err, "failed to update deployment")
	}
	r.logger.Info("database_deployment_finished", "deployment_id", id, "status", status)
	return nil
}

// ListDeployments returns a node's deploy attempts, newest first.
func (r *Repository) ListDeployments(ctx context.Context, nodeID string) ([]*Deployment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, node_id, status, image_ref, root_uuid, error_message, started_at, finished_at
		FROM deployments WHERE node_id = ? ORDER BY started_at DESC, rowid DESC`, nodeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deployments")
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.ID, &d.NodeID, &d.Status, &d.ImageRef, &d.RootUUID, &d.ErrorMessage,
			&d.StartedAt, &d.FinishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		out = append(out, &d)
	}
	return out, errors.Wrap(rows.Err(), "rows error")
}
