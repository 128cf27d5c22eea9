// Package manifest provides the table catalog: named tables, their schema
// history and the commit log of dataset writes.
package manifest

// Schema contains the SQL schema definitions for the catalog database.

// CreateTablesTableSQL creates the registered tables table.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    name TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    location TEXT NOT NULL,
    schema_json TEXT NOT NULL,
    partition_keys TEXT NOT NULL DEFAULT '[]',
    options_json TEXT NOT NULL DEFAULT '{}',
    schema_version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateSchemaVersionsTableSQL creates the per-table schema history.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version)
)`

// CreateCommitsTableSQL creates the commit log. The commit id is the write
// id of the dataset write, so recording a commit twice is a no-op.
const CreateCommitsTableSQL = `
CREATE TABLE IF NOT EXISTS commits (
    commit_id TEXT PRIMARY KEY,
    location TEXT NOT NULL,
    mode TEXT NOT NULL,
    partitions INTEGER NOT NULL,
    row_count INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateCommitFilesTableSQL creates the files written by each commit, with
// their per-column statistics.
const CreateCommitFilesTableSQL = `
CREATE TABLE IF NOT EXISTS commit_files (
    commit_id TEXT NOT NULL,
    partition_dir TEXT NOT NULL,
    file_path TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    stats_json TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (commit_id, file_path),
    FOREIGN KEY (commit_id) REFERENCES commits(commit_id)
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_commits_location ON commits(location, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tables_location ON tables(location)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateTablesTableSQL,
		CreateSchemaVersionsTableSQL,
		CreateCommitsTableSQL,
		CreateCommitFilesTableSQL,
	}
	return append(statements, createIndexesSQL...)
}
