package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/partition"
	"github.com/tabuladb/tabula/pkg/types"
)

// TableKind is the storage kind of a registered table.
type TableKind string

const (
	// TableKindDataset is a partitioned Parquet dataset.
	TableKindDataset TableKind = "dataset"
	// TableKindCSV is a set of delimited text files.
	TableKindCSV TableKind = "csv"
)

// Catalog stores named tables and the commit log of dataset writes.
type Catalog interface {
	// RegisterTable adds a table or replaces its definition. A changed schema
	// gets a new schema version.
	RegisterTable(ctx context.Context, t *TableRecord) error

	// GetTable returns a table by name.
	GetTable(ctx context.Context, name string) (*TableRecord, error)

	// ListTables returns every table, ordered by name.
	ListTables(ctx context.Context) ([]*TableRecord, error)

	// DropTable removes a table and its schema history. The data is not touched.
	DropTable(ctx context.Context, name string) error

	// SchemaVersions returns the schema history of a table, oldest first.
	SchemaVersions(ctx context.Context, name string) ([]*SchemaVersionRecord, error)

	// RecordCommit appends a write to the commit log. Recording the same
	// commit id again is a no-op.
	RecordCommit(ctx context.Context, c *CommitRecord) error

	// ListCommits returns the commits recorded for a dataset location, oldest first.
	ListCommits(ctx context.Context, location string) ([]*CommitRecord, error)

	Close() error
}

// TableRecord is a registered table.
type TableRecord struct {
	Name          string
	Kind          TableKind
	Location      string
	Schema        types.Schema
	PartitionKeys types.PartitionKey
	// Options holds reader settings such as the CSV delimiter.
	Options       map[string]string
	SchemaVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SchemaVersionRecord is one entry of a table's schema history.
type SchemaVersionRecord struct {
	Version   int
	Schema    types.Schema
	CreatedAt time.Time
}

// CommitRecord is one committed dataset write.
type CommitRecord struct {
	CommitID   string
	Location   string
	Mode       types.WriteMode
	Partitions int
	RowCount   int64
	Files      []CommitFile
	CreatedAt  time.Time
}

// CommitFile is a data file written by a commit. Statistics read back from
// the catalog hold JSON scalars: numbers as float64, dates as strings.
type CommitFile struct {
	PartitionDir string
	Path         string
	RowCount     int64
	Stats        map[string]partition.ColumnStats
}

// CommitFromWrite builds the commit record of a dataset write.
func CommitFromWrite(location string, res *partition.WriteResult) *CommitRecord {
	c := &CommitRecord{
		CommitID:   res.WriteID,
		Location:   location,
		Mode:       res.Mode,
		Partitions: len(res.Partitions),
		RowCount:   res.RowsWritten,
		CreatedAt:  time.Now(),
	}
	for _, p := range res.Partitions {
		c.Files = append(c.Files, CommitFile{PartitionDir: p.Dir, Path: p.File, RowCount: p.Rows, Stats: p.Stats})
	}
	return c
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes writers
}

var _ Catalog = (*SQLiteCatalog)(nil)

// NewCatalog opens or creates the catalog database at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func validateTable(t *TableRecord) error {
	switch {
	case t.Name == "":
		return terrors.NewPlanError(terrors.CodeInvalidPlan, "table name must not be empty")
	case t.Location == "":
		return terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("table %q has no location", t.Name))
	case t.Kind != TableKindDataset && t.Kind != TableKindCSV:
		return terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("table %q has unknown kind %q", t.Name, t.Kind))
	}
	for _, k := range t.PartitionKeys {
		if t.Schema.Index(k) < 0 {
			return terrors.NewPlanError(terrors.CodeUnknownColumn, fmt.Sprintf("partition key %q is not in the schema of %q", k, t.Name)).
				WithDetail("column", k)
		}
	}
	return nil
}

// RegisterTable adds or replaces a table. On return t carries the stored
// schema version and timestamps.
func (c *SQLiteCatalog) RegisterTable(ctx context.Context, t *TableRecord) error {
	if err := validateTable(t); err != nil {
		return err
	}
	schemaJSON, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal schema: %w", err)
	}
	keys := t.PartitionKeys
	if keys == nil {
		keys = types.PartitionKey{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal partition keys: %w", err)
	}
	opts := t.Options
	if opts == nil {
		opts = map[string]string{}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal options: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var (
		storedSchema string
		version      int
		createdAt    int64
		newVersion   bool
	)
	err = tx.QueryRowContext(ctx, "SELECT schema_json, schema_version, created_at FROM tables WHERE name = ?", t.Name).
		Scan(&storedSchema, &version, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		version, createdAt, newVersion = 1, now.Unix(), true
	case err != nil:
		return fmt.Errorf("manifest: failed to read table %s: %w", t.Name, err)
	case storedSchema != string(schemaJSON):
		version, newVersion = version+1, true
	}
	if newVersion {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (table_name, version, schema_json, created_at) VALUES (?, ?, ?, ?)",
			t.Name, version, string(schemaJSON), now.Unix(),
		); err != nil {
			return fmt.Errorf("manifest: failed to insert schema version: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tables (name, kind, location, schema_json, partition_keys, options_json, schema_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			location = excluded.location,
			schema_json = excluded.schema_json,
			partition_keys = excluded.partition_keys,
			options_json = excluded.options_json,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at`,
		t.Name, string(t.Kind), t.Location, string(schemaJSON), string(keysJSON), string(optsJSON), version, createdAt, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to upsert table %s: %w", t.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit table %s: %w", t.Name, err)
	}

	t.SchemaVersion = version
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(now.Unix(), 0)
	return nil
}

const selectTableSQL = `
	SELECT name, kind, location, schema_json, partition_keys, options_json, schema_version, created_at, updated_at
	FROM tables`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTable(row rowScanner) (*TableRecord, error) {
	var (
		t                      TableRecord
		kind                   string
		schemaJSON, keys, opts string
		createdAt, updatedAt   int64
	)
	if err := row.Scan(&t.Name, &kind, &t.Location, &schemaJSON, &keys, &opts, &t.SchemaVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Kind = TableKind(kind)
	if err := json.Unmarshal([]byte(schemaJSON), &t.Schema); err != nil {
		return nil, fmt.Errorf("manifest: failed to unmarshal schema of %s: %w", t.Name, err)
	}
	if err := json.Unmarshal([]byte(keys), &t.PartitionKeys); err != nil {
		return nil, fmt.Errorf("manifest: failed to unmarshal partition keys of %s: %w", t.Name, err)
	}
	if len(t.PartitionKeys) == 0 {
		t.PartitionKeys = nil
	}
	if err := json.Unmarshal([]byte(opts), &t.Options); err != nil {
		return nil, fmt.Errorf("manifest: failed to unmarshal options of %s: %w", t.Name, err)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

// GetTable returns a table by name. An unregistered name is a plan error
// UNKNOWN_TABLE.
func (c *SQLiteCatalog) GetTable(ctx context.Context, name string) (*TableRecord, error) {
	t, err := scanTable(c.db.QueryRowContext(ctx, selectTableSQL+" WHERE name = ?", name))
	if err == sql.ErrNoRows {
		return nil, terrors.NewPlanError(terrors.CodeUnknownTable, fmt.Sprintf("table %q is not registered", name)).
			WithDetail("table", name)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to get table %s: %w", name, err)
	}
	return t, nil
}

func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]*TableRecord, error) {
	rows, err := c.db.QueryContext(ctx, selectTableSQL+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []*TableRecord
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) DropTable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM tables WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("manifest: failed to drop table %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return terrors.NewPlanError(terrors.CodeUnknownTable, fmt.Sprintf("table %q is not registered", name)).
			WithDetail("table", name)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_versions WHERE table_name = ?", name); err != nil {
		return fmt.Errorf("manifest: failed to drop schema history of %s: %w", name, err)
	}
	return tx.Commit()
}

func (c *SQLiteCatalog) SchemaVersions(ctx context.Context, name string) ([]*SchemaVersionRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT version, schema_json, created_at FROM schema_versions WHERE table_name = ? ORDER BY version", name)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list schema versions of %s: %w", name, err)
	}
	defer rows.Close()

	var out []*SchemaVersionRecord
	for rows.Next() {
		var (
			rec        SchemaVersionRecord
			schemaJSON string
			createdAt  int64
		)
		if err := rows.Scan(&rec.Version, &schemaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan schema version: %w", err)
		}
		if err := json.Unmarshal([]byte(schemaJSON), &rec.Schema); err != nil {
			return nil, fmt.Errorf("manifest: failed to unmarshal schema version %d: %w", rec.Version, err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) RecordCommit(ctx context.Context, rec *CommitRecord) error {
	if rec.CommitID == "" {
		return terrors.NewPlanError(terrors.CodeInvalidPlan, "commit id must not be empty")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits (commit_id, location, mode, partitions, row_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_id) DO NOTHING`,
		rec.CommitID, rec.Location, string(rec.Mode), rec.Partitions, rec.RowCount, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to insert commit %s: %w", rec.CommitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO commit_files (commit_id, partition_dir, file_path, row_count, stats_json) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("manifest: failed to prepare commit file insert: %w", err)
	}
	defer stmt.Close()
	for _, f := range rec.Files {
		stats, err := json.Marshal(f.Stats)
		if err != nil {
			return fmt.Errorf("manifest: failed to marshal stats of %s: %w", f.Path, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.CommitID, f.PartitionDir, f.Path, f.RowCount, string(stats)); err != nil {
			return fmt.Errorf("manifest: failed to insert commit file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func (c *SQLiteCatalog) ListCommits(ctx context.Context, location string) ([]*CommitRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT commit_id, location, mode, partitions, row_count, created_at
		FROM commits WHERE location = ? ORDER BY created_at, rowid`, location)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list commits: %w", err)
	}
	var out []*CommitRecord
	byID := make(map[string]*CommitRecord)
	for rows.Next() {
		var (
			rec       CommitRecord
			mode      string
			createdAt int64
		)
		if err := rows.Scan(&rec.CommitID, &rec.Location, &mode, &rec.Partitions, &rec.RowCount, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("manifest: failed to scan commit: %w", err)
		}
		rec.Mode = types.WriteMode(mode)
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
		byID[rec.CommitID] = &rec
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}

	files, err := c.db.QueryContext(ctx, `
		SELECT f.commit_id, f.partition_dir, f.file_path, f.row_count, f.stats_json
		FROM commit_files f JOIN commits c ON c.commit_id = f.commit_id
		WHERE c.location = ?`, location)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list commit files: %w", err)
	}
	defer files.Close()
	for files.Next() {
		var (
			id, stats string
			f         CommitFile
		)
		if err := files.Scan(&id, &f.PartitionDir, &f.Path, &f.RowCount, &stats); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan commit file: %w", err)
		}
		if err := json.Unmarshal([]byte(stats), &f.Stats); err != nil {
			return nil, fmt.Errorf("manifest: failed to unmarshal stats of %s: %w", f.Path, err)
		}
		if rec, ok := byID[id]; ok {
			rec.Files = append(rec.Files, f)
		}
	}
	if err := files.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		sort.Slice(rec.Files, func(i, j int) bool {
			if rec.Files[i].PartitionDir != rec.Files[j].PartitionDir {
				return rec.Files[i].PartitionDir < rec.Files[j].PartitionDir
			}
			return rec.Files[i].Path < rec.Files[j].Path
		})
	}
	return out, nil
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
