// Package main is the entrypoint for the capabilities-gateway (binary name "gateway").
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/morezero/capabilities-gateway/internal/config"
	"github.com/morezero/capabilities-gateway/internal/server"
	"github.com/morezero/capabilities-gateway/pkg/db"
	"github.com/morezero/capabilities-gateway/pkg/toggles"
)

const usage = `Usage: gateway [command] [flags]
       gateway serve [--port N] [--log-level L]   Start the MCP gateway and the host loop.
       gateway migrate up                         Run database migrations.
       gateway migrate status                     Show migration status.
       gateway toggles list [--backend B]         List tool enablement overrides.
       gateway toggles set <tool> <on|off>        Enable or disable a tool.

Commands:
  serve           (default) Start the gateway on 127.0.0.1:GATEWAY_PORT.
  migrate up      Run database migrations only (postgres toggles backend).
  migrate status  Show current migration status.
  toggles list    Print every stored tool toggle.
  toggles set     Store a tool toggle; a running gateway reads it on its next request.

Environment: GATEWAY_PORT (default 9123), GATEWAY_HTTP_ADDR, GATEWAY_STATUS_ADDR, TOGGLES_BACKEND (file, postgres, memory),
TOGGLES_FILE, DATABASE_URL, MIGRATION_PATH, COMMS_URL, LOG_LEVEL. See README.
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	cmd := ""
	if len(args) > 0 && args[0] != "" && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "migrate":
		if len(args) < 1 {
			return fmt.Errorf("migrate: require subcommand (up, status)")
		}
		switch args[0] {
		case "up":
			return runMigrateUp()
		case "status":
			return runMigrateStatus(out)
		default:
			return fmt.Errorf("migrate: unknown subcommand %q (use up, status)", args[0])
		}
	case "toggles":
		return runToggles(args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	case "serve", "":
		cfg, err := serveConfig(args)
		if err != nil {
			return err
		}
		return server.RunWithConfig(cfg)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// serveConfig loads the environment and applies serve flags on top.
func serveConfig(args []string) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	port := fs.Int("port", cfg.Port, "MCP listener port on 127.0.0.1")
	addr := fs.String("addr", cfg.HTTPAddr, "MCP listener address; overrides --port")
	statusAddr := fs.String("status-addr", cfg.StatusAddr, "status listener address (empty disables)")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Port = *port
	cfg.HTTPAddr = *addr
	cfg.StatusAddr = *statusAddr
	cfg.LogLevel = *logLevel
	return cfg, nil
}

func runToggles(args []string, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fs := pflag.NewFlagSet("toggles", pflag.ContinueOnError)
	backend := fs.String("backend", cfg.TogglesBackend, "enablement backend: file, postgres, memory")
	file := fs.String("file", cfg.TogglesFile, "toggles file for the file backend")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.TogglesBackend = *backend
	cfg.TogglesFile = *file
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("toggles: require subcommand (list, set)")
	}

	ctx := context.Background()
	store, closeStore, err := server.OpenToggles(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	switch rest[0] {
	case "list":
		return listToggles(ctx, store, out)
	case "set":
		if len(rest) != 3 {
			return fmt.Errorf("toggles set: usage: toggles set <tool> <on|off>")
		}
		enabled, err := parseSwitch(rest[2])
		if err != nil {
			return err
		}
		if err := store.SetEnabled(ctx, rest[1], enabled); err != nil {
			return fmt.Errorf("toggles set: %w", err)
		}
		fmt.Fprintf(out, "%s %s\n", rest[1], switchLabel(enabled))
		return nil
	default:
		return fmt.Errorf("toggles: unknown subcommand %q (use list, set)", rest[0])
	}
}

func listToggles(ctx context.Context, store toggles.Store, out io.Writer) error {
	all, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("toggles list: %w", err)
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "No tool toggles stored; every tool is enabled.")
		return nil
	}
	for _, name := range toggles.SortedNames(all) {
		fmt.Fprintf(out, "%s\t%s\n", name, switchLabel(all[name]))
	}
	return nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid toggle value %q (use on or off)", s)
}

func switchLabel(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return db.MigrationStatus(ctx, pool, migrations, out)
}
