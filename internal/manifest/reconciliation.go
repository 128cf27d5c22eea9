package manifest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/tabuladb/tabula/internal/partition"
	"github.com/tabuladb/tabula/internal/storage"
	"github.com/tabuladb/tabula/pkg/types"
)

// ReconciliationReport contains the results of a catalog-storage reconciliation.
type ReconciliationReport struct {
	// MissingTables are registered tables whose location does not exist.
	MissingTables []string
	// DanglingFiles are files the commit log says are live but are missing on disk.
	DanglingFiles []string
	// OrphanedFiles are data files on disk that no recorded commit produced.
	OrphanedFiles []string
	// TablesChecked is the number of local tables checked.
	TablesChecked int
	RunAt         time.Time
}

// HasIssues returns true if the report found any inconsistency.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.MissingTables) > 0 || len(r.DanglingFiles) > 0 || len(r.OrphanedFiles) > 0
}

// Reconcile checks the registered local tables against fs. For datasets with
// a commit log it replays the log to find the live file set and compares it
// with the files discovered on disk. Remote tables and CSV globs are
// skipped.
func Reconcile(ctx context.Context, catalog Catalog, fs afero.Fs) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	tables, err := catalog.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list tables: %w", err)
	}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if storage.IsRemote(t.Location) || (t.Kind == TableKindCSV && strings.ContainsAny(t.Location, "*?[{")) {
			continue
		}
		report.TablesChecked++

		if _, err := fs.Stat(t.Location); os.IsNotExist(err) {
			report.MissingTables = append(report.MissingTables, t.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("reconciliation: failed to stat %s: %w", t.Location, err)
		}
		if t.Kind != TableKindDataset {
			continue
		}

		commits, err := catalog.ListCommits(ctx, t.Location)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: failed to list commits of %s: %w", t.Name, err)
		}
		if len(commits) == 0 {
			continue
		}
		live := liveFiles(commits)

		meta, err := partition.ReadMetadata(fs, t.Location)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: %s: %w", t.Name, err)
		}
		cat, err := partition.Discover(fs, t.Location, meta)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: %s: %w", t.Name, err)
		}
		onDisk := make(map[string]bool)
		for _, p := range cat.Partitions {
			for _, f := range p.Files {
				onDisk[f] = true
				if !live[f] {
					report.OrphanedFiles = append(report.OrphanedFiles, f)
				}
			}
		}
		for f := range live {
			if !onDisk[f] {
				report.DanglingFiles = append(report.DanglingFiles, f)
			}
		}
	}
	sort.Strings(report.DanglingFiles)
	sort.Strings(report.OrphanedFiles)
	return report, nil
}

// liveFiles replays a commit log. An overwrite replaces the files of every
// partition it wrote, or of the whole dataset when it wrote the root.
func liveFiles(commits []*CommitRecord) map[string]bool {
	byDir := make(map[string][]string)
	for _, c := range commits {
		if c.Mode == types.WriteModeOverwrite {
			for _, f := range c.Files {
				if f.PartitionDir == "" {
					byDir = make(map[string][]string)
				}
				delete(byDir, f.PartitionDir)
			}
		}
		for _, f := range c.Files {
			byDir[f.PartitionDir] = append(byDir[f.PartitionDir], f.Path)
		}
	}
	live := make(map[string]bool)
	for _, files := range byDir {
		for _, f := range files {
			live[f] = true
		}
	}
	return live
}
