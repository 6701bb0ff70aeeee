package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/db"
	"github.com/hpungsan/counsel/internal/logging"
	"github.com/hpungsan/counsel/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"serve": true, "mcp": true, "conversation": true, "turn": true,
	"search": true, "answer": true, "seed": true, "refresh": true,
	"rules": true, "status": true, "automation": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   ___ ___  _   _ _  _ ___ ___ _
  / __/ _ \| | | | \| / __| __| |
 | (_| (_) | |_| | .' \__ \ _|| |__
  \___\___/ \___/|_|\_|___/___|____|

  Legal consultation conversation engine

  Usage: counsel <command> [options]
         counsel --help

  MCP server mode requires piped input.`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fail("%v", err)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fail("could not determine home directory: %v", err)
	}
	baseDir := filepath.Join(homeDir, ".counsel")

	cfg, err := config.Load(baseDir)
	if err != nil {
		fail("failed to load config: %v", err)
	}
	// stdout carries MCP frames and CLI JSON, so logs go to stderr.
	log := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	database, err := db.Init(baseDir)
	if err != nil {
		fail("failed to initialize database: %v", err)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := wire(ctx, wireOptions{
		BaseDir: baseDir,
		Config:  cfg,
		DB:      database,
		Logger:  log,
		Offline: os.Getenv("COUNSEL_OFFLINE") != "",
	})
	if err != nil {
		fail("%v", err)
	}
	defer svc.Close()

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("unknown tool names in disabled_tools", "tools", unknown)
	}

	if isCLIMode() {
		app := newCLIApp(svc)
		if err := app.RunContext(ctx, os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			svc.Close()
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'counsel --help' for usage.\n")
		os.Exit(1)
	}

	svc.StartBackground(ctx)
	if err := mcp.Run(svc.Deps, Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		svc.Close()
		os.Exit(1)
	}
}
