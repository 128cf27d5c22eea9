package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/tabuladb/tabula/internal/app"
	"github.com/tabuladb/tabula/internal/export"
	"github.com/tabuladb/tabula/pkg/types"
)

func stringColumn(name string) types.ColumnDef { return types.ColumnDef{Name: name, Type: types.TypeString} }
func intColumn(name string) types.ColumnDef    { return types.ColumnDef{Name: name, Type: types.TypeInteger} }

// readSchema loads a schema from a JSON file of the form
// {"columns": [{"name": "Item", "type": "string", "nullable": false}]}.
func readSchema(path string) (*types.Schema, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	var s types.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}
	return &s, nil
}

type ingestCommand struct {
	inputs     *[]string
	output     string
	tableName  string
	keys       []string
	mode       string
	schemaFile string
}

func addIngestCommand(cli *kingpin.Application, g *globals) {
	cmd := &ingestCommand{}
	c := cli.Command("ingest", "Load delimited files into a partitioned dataset.")
	cmd.inputs = c.Arg("input", "Files, directories, globs or s3:// URIs.").Required().Strings()
	c.Flag("output", "Dataset directory.").Short('o').Required().StringVar(&cmd.output)
	c.Flag("table", "Register the dataset in the catalog under this name.").StringVar(&cmd.tableName)
	c.Flag("partition-by", "Partition column; repeat for nested partitions.").Short('p').StringsVar(&cmd.keys)
	c.Flag("mode", "Write mode: overwrite or append.").Default("overwrite").EnumVar(&cmd.mode, "overwrite", "append")
	c.Flag("schema", "JSON schema file; inferred when omitted.").StringVar(&cmd.schemaFile)
	c.Action(func(_ *kingpin.ParseContext) error { return cmd.run(g) })
}

func (cmd *ingestCommand) run(g *globals) error {
	mode, err := types.ParseWriteMode(cmd.mode)
	if err != nil {
		return err
	}
	s, err := readSchema(cmd.schemaFile)
	if err != nil {
		return err
	}

	a, ctx, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	res, err := a.Ingest(ctx, app.IngestRequest{
		Table:  cmd.tableName,
		Inputs: *cmd.inputs,
		Schema: s,
		Output: cmd.output,
		Mode:   mode,
		Keys:   cmd.keys,
	})
	if err != nil {
		return err
	}

	summary := types.NewSchema(stringColumn("Partition"), intColumn("Rows"), stringColumn("File"))
	rows := make([]types.Row, len(res.Write.Partitions))
	for i, p := range res.Write.Partitions {
		dir := p.Dir
		if dir == "" {
			dir = "/"
		}
		rows[i] = types.Row{dir, p.Rows, p.File}
	}
	export.RenderTable(os.Stdout, summary, rows)
	fmt.Printf("write %s: %d rows in %d partitions (%s)\n",
		res.Write.WriteID, res.Write.RowsWritten, len(res.Write.Partitions), res.Write.Mode)
	if res.RowsDropped > 0 {
		fmt.Printf("dropped %d malformed rows\n", res.RowsDropped)
	}
	return nil
}

type registerCommand struct {
	name       string
	location   string
	kind       string
	schemaFile string
}

func addRegisterCommand(cli *kingpin.Application, g *globals) {
	cmd := &registerCommand{}
	c := cli.Command("register", "Register a CSV location or an existing dataset as a named table.")
	c.Arg("name", "Table name.").Required().StringVar(&cmd.name)
	c.Arg("location", "File, directory or glob of delimited files, or a dataset directory.").Required().StringVar(&cmd.location)
	c.Flag("kind", "Table kind: csv or dataset.").Default("csv").EnumVar(&cmd.kind, "csv", "dataset")
	c.Flag("schema", "JSON schema file for CSV tables; inferred when omitted.").StringVar(&cmd.schemaFile)
	c.Action(func(_ *kingpin.ParseContext) error { return cmd.run(g) })
}

func (cmd *registerCommand) run(g *globals) error {
	s, err := readSchema(cmd.schemaFile)
	if err != nil {
		return err
	}
	a, ctx, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	if cmd.kind == "dataset" {
		if s != nil {
			return fmt.Errorf("--schema applies to csv tables only; datasets carry their own schema")
		}
		rec, err := a.RegisterDataset(ctx, cmd.name, cmd.location)
		if err != nil {
			return err
		}
		fmt.Printf("registered dataset %s (schema version %d)\n", rec.Name, rec.SchemaVersion)
		return nil
	}
	rec, err := a.RegisterCSV(ctx, cmd.name, cmd.location, s)
	if err != nil {
		return err
	}
	fmt.Printf("registered csv table %s (schema version %d)\n", rec.Name, rec.SchemaVersion)
	return nil
}

type queryCommand struct {
	sql     string
	format  string
	output  string
	maxRows int
}

func addQueryCommand(cli *kingpin.Application, g *globals) {
	cmd := &queryCommand{}
	c := cli.Command("query", "Run a SELECT against a registered table.")
	c.Arg("sql", "The query.").Required().StringVar(&cmd.sql)
	c.Flag("format", "Output format: table, csv or arrow.").Short('f').Default("table").EnumVar(&cmd.format, "table", "csv", "arrow")
	c.Flag("output", "Write the result to this file or s3:// location instead of stdout. Required for arrow.").Short('o').StringVar(&cmd.output)
	c.Flag("max-rows", "Rows shown by the table format; 0 shows all.").Default("0").IntVar(&cmd.maxRows)
	c.Action(func(_ *kingpin.ParseContext) error { return cmd.run(g) })
}

func (cmd *queryCommand) run(g *globals) error {
	if cmd.format == "arrow" && cmd.output == "" {
		return fmt.Errorf("--output is required for the arrow format")
	}
	a, ctx, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	t, err := a.Query(ctx, cmd.sql)
	if err != nil {
		return err
	}
	res, err := t.Collect(ctx)
	if err != nil {
		return err
	}

	render := func(w io.Writer) error {
		switch cmd.format {
		case "csv":
			d, err := a.Config().Delimiter()
			if err != nil {
				return err
			}
			return export.WriteCSV(w, res.Schema, res.Rows, d)
		case "arrow":
			return export.WriteArrowFile(w, res.Schema, res.Rows)
		}
		n := cmd.maxRows
		if n <= 0 {
			n = -1
		}
		export.Show(w, res.Schema, res.Rows, n)
		return nil
	}
	if cmd.output == "" {
		return render(os.Stdout)
	}
	if err := a.Export(ctx, cmd.output, render); err != nil {
		return err
	}
	fmt.Printf("wrote %d rows to %s\n", len(res.Rows), cmd.output)
	return nil
}

func addExplainCommand(cli *kingpin.Application, g *globals) {
	var sql string
	c := cli.Command("explain", "Print the operator plan of a query without running it.")
	c.Arg("sql", "The query.").Required().StringVar(&sql)
	c.Action(func(_ *kingpin.ParseContext) error {
		a, ctx, done, err := g.open()
		if err != nil {
			return err
		}
		defer done()
		t, err := a.Query(ctx, sql)
		if err != nil {
			return err
		}
		fmt.Print(t.Explain())
		return nil
	})
}

func addShowCommand(cli *kingpin.Application, g *globals) {
	var (
		name string
		n    int
	)
	c := cli.Command("show", "Print the first rows of a table.")
	c.Arg("table", "Table name.").Required().StringVar(&name)
	c.Flag("rows", "Number of rows.").Short('n').Default("20").IntVar(&n)
	c.Action(func(_ *kingpin.ParseContext) error {
		a, ctx, done, err := g.open()
		if err != nil {
			return err
		}
		defer done()
		t, err := a.Table(ctx, name)
		if err != nil {
			return err
		}
		return t.Show(ctx, os.Stdout, n)
	})
}

func addTablesCommand(cli *kingpin.Application, g *globals) {
	c := cli.Command("tables", "List registered tables.")
	c.Action(func(_ *kingpin.ParseContext) error {
		a, ctx, done, err := g.open()
		if err != nil {
			return err
		}
		defer done()
		tables, err := a.Catalog().ListTables(ctx)
		if err != nil {
			return err
		}

		s := types.NewSchema(stringColumn("Name"), stringColumn("Kind"), stringColumn("Location"),
			stringColumn("Partition Keys"), intColumn("Schema Version"), stringColumn("Updated"))
		rows := make([]types.Row, len(tables))
		for i, t := range tables {
			rows[i] = types.Row{t.Name, string(t.Kind), t.Location, t.PartitionKeys.String(),
				int64(t.SchemaVersion), t.UpdatedAt.Format("2006-01-02 15:04:05")}
		}
		export.RenderTable(os.Stdout, s, rows)
		return nil
	})
}

func addSchemaCommand(cli *kingpin.Application, g *globals) {
	var (
		name    string
		history bool
	)
	c := cli.Command("schema", "Print the schema of a table.")
	c.Arg("table", "Table name.").Required().StringVar(&name)
	c.Flag("history", "Print every schema version.").BoolVar(&history)
	c.Action(func(_ *kingpin.ParseContext) error {
		a, ctx, done, err := g.open()
		if err != nil {
			return err
		}
		defer done()

		rec, err := a.Catalog().GetTable(ctx, name)
		if err != nil {
			return err
		}
		if !history {
			printSchema(os.Stdout, rec.Schema, rec.PartitionKeys)
			return nil
		}
		versions, err := a.Catalog().SchemaVersions(ctx, name)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("version %d (%s)\n", v.Version, v.CreatedAt.Format("2006-01-02 15:04:05"))
			printSchema(os.Stdout, v.Schema, rec.PartitionKeys)
		}
		return nil
	})
}

func printSchema(w io.Writer, s types.Schema, keys types.PartitionKey) {
	isKey := map[string]bool{}
	for _, k := range keys {
		isKey[k] = true
	}
	out := types.NewSchema(stringColumn("Column"), stringColumn("Type"), stringColumn("Nullable"), stringColumn("Partition Key"))
	rows := make([]types.Row, s.Len())
	for i, c := range s.Columns {
		rows[i] = types.Row{c.Name, string(c.Type), strconv.FormatBool(c.Nullable), strconv.FormatBool(isKey[c.Name])}
	}
	export.RenderTable(w, out, rows)
}

func addDropCommand(cli *kingpin.Application, g *globals) {
	var name string
	c := cli.Command("drop", "Remove a table from the catalog. Data files are left in place.")
	c.Arg("table", "Table name.").Required().StringVar(&name)
	c.Action(func(_ *kingpin.ParseContext) error {
		a, ctx, done, err := g.open()
		if err != nil {
			return err
		}
		defer done()
		if err := a.Catalog().DropTable(ctx, name); err != nil {
			return err
		}
		fmt.Printf("dropped %s\n", name)
		return nil
	})
}

func addReconcileCommand(cli *kingpin.Application, g *globals) {
	c := cli.Command("reconcile", "Compare the catalog and commit log with the files on disk.")
	c.Action(func(_ *kingpin.ParseContext) error {
		a, ctx, done, err := g.open()
		if err != nil {
			return err
		}
		defer done()

		report, err := a.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("checked %d tables\n", report.TablesChecked)
		for _, section := range []struct {
			title string
			items []string
		}{
			{"missing tables", report.MissingTables},
			{"dangling files", report.DanglingFiles},
			{"orphaned files", report.OrphanedFiles},
		} {
			if len(section.items) == 0 {
				continue
			}
			fmt.Printf("%s:\n  %s\n", section.title, strings.Join(section.items, "\n  "))
		}
		if report.HasIssues() {
			return fmt.Errorf("catalog and storage disagree")
		}
		return nil
	})
}
