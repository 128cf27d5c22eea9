// Command tabula loads delimited files into partitioned Parquet datasets,
// keeps a catalog of named tables and runs SQL against them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/tabuladb/tabula/internal/app"
	"github.com/tabuladb/tabula/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globals are the flags shared by every command.
type globals struct {
	configFile    string
	dataDir       string
	logLevel      string
	logFormat     string
	parallelism   int
	metricsListen string
}

func (g *globals) register(cli *kingpin.Application) {
	cli.Flag("config", "Path to configuration file (YAML or JSON).").Short('c').StringVar(&g.configFile)
	cli.Flag("data-dir", "Base directory for the catalog and staging files.").StringVar(&g.dataDir)
	cli.Flag("log.level", "Log level: debug, info, warn, error.").StringVar(&g.logLevel)
	cli.Flag("log.format", "Log format: logfmt, json.").StringVar(&g.logFormat)
	cli.Flag("parallelism", "Workers per operator.").IntVar(&g.parallelism)
	cli.Flag("metrics.listen", "Serve Prometheus metrics on this address while the command runs.").StringVar(&g.metricsListen)
}

// loadConfig applies defaults, the config file, TABULA_ environment
// variables and finally the flags.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(g.configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.parallelism > 0 {
		cfg.Engine.Parallelism = g.parallelism
	}
	if g.metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = g.metricsListen
	}
	return cfg, nil
}

// open starts the application. The returned context is cancelled on
// SIGINT or SIGTERM; call done to release everything.
func (g *globals) open() (a *app.App, ctx context.Context, done func(), err error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	a, err = app.New(cfg, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, stop := a.SignalContext(context.Background())
	if err := a.Start(ctx); err != nil {
		stop()
		return nil, nil, nil, err
	}
	return a, ctx, func() {
		stop()
		_ = a.Stop(context.Background())
	}, nil
}

func main() {
	// A .env file in the working directory may hold TABULA_ and AWS_
	// variables. It never overrides the real environment.
	_ = godotenv.Load()

	cli := kingpin.New("tabula", "Load delimited files into partitioned Parquet datasets and query them with SQL.")
	cli.Version(fmt.Sprintf("tabula version %s (commit: %s)", version, commit))
	cli.HelpFlag.Short('h')

	g := &globals{}
	g.register(cli)

	addIngestCommand(cli, g)
	addRegisterCommand(cli, g)
	addQueryCommand(cli, g)
	addExplainCommand(cli, g)
	addShowCommand(cli, g)
	addTablesCommand(cli, g)
	addSchemaCommand(cli, g)
	addDropCommand(cli, g)
	addReconcileCommand(cli, g)

	kingpin.MustParse(cli.Parse(os.Args[1:]))
}
