package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/counsel/internal/automation"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/mcp"
	"github.com/hpungsan/counsel/internal/ops"
	"github.com/hpungsan/counsel/internal/web"
)

// maxStdinBytes caps piped input (messages, seed files).
const maxStdinBytes = 4 << 20

// newCLIApp creates the CLI application with all commands. svc is nil when
// only help or version output is needed.
func newCLIApp(svc *services) *cli.App {
	app := &cli.App{
		Name:    "counsel",
		Usage:   "Legal consultation conversation engine",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(svc),
			mcpCmd(svc),
			conversationCmd(svc),
			turnCmd(svc),
			searchCmd(svc),
			answerCmd(svc),
			seedCmd(svc),
			refreshCmd(svc),
			rulesCmd(svc),
			statusCmd(svc),
			automationCmd(svc),
		},
	}
	// Workflow variables may contain commas.
	app.DisableSliceFlagSeparator = true
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func serveCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the JSON HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default from config http_addr)"},
		},
		Action: func(c *cli.Context) error {
			addr := c.String("addr")
			if addr == "" {
				addr = svc.Deps.Config.HTTPAddr
			}
			svc.StartBackground(c.Context)
			return web.Run(c.Context, web.NewServer(svc.Deps, Version, addr, svc.Logger), svc.Logger)
		},
	}
}

func mcpCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the MCP server on stdio",
		Action: func(c *cli.Context) error {
			svc.StartBackground(c.Context)
			return mcp.Run(svc.Deps, Version)
		},
	}
}

func conversationCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "conversation",
		Usage: "Create, inspect and export conversations",
		Subcommands: []*cli.Command{
			{
				Name:  "new",
				Usage: "Create a conversation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "phase", Aliases: []string{"p"}, Usage: "Starting phase"},
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Contact name"},
					&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "Contact email"},
				},
				Action: func(c *cli.Context) error {
					return run(ops.CreateConversation(c.Context, svc.Deps, ops.CreateConversationInput{
						Phase:        c.String("phase"),
						ContactName:  c.String("name"),
						ContactEmail: c.String("email"),
					}))
				},
			},
			{
				Name:      "get",
				Usage:     "Show a conversation",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "messages", Aliases: []string{"m"}, Usage: "Include messages"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Max messages (newest kept)"},
				},
				Action: func(c *cli.Context) error {
					return run(ops.GetConversation(c.Context, svc.Deps, ops.GetConversationInput{
						ID:              c.Args().First(),
						IncludeMessages: c.Bool("messages"),
						HistoryLimit:    c.Int("limit"),
					}))
				},
			},
			{
				Name:  "list",
				Usage: "List conversations, most recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter: active or closed"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max results"},
					&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Usage: "Pagination offset"},
				},
				Action: func(c *cli.Context) error {
					return run(ops.ListConversations(c.Context, svc.Deps, ops.ListConversationsInput{
						Status: c.String("status"),
						Limit:  c.Int("limit"),
						Offset: c.Int("offset"),
					}))
				},
			},
			{
				Name:      "close",
				Usage:     "Mark a conversation closed",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					return run(ops.CloseConversation(c.Context, svc.Deps, c.Args().First()))
				},
			},
			{
				Name:      "summary",
				Usage:     "Summarize a conversation",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					return run(ops.Summary(c.Context, svc.Deps, c.Args().First()))
				},
			},
			{
				Name:      "export",
				Usage:     "Export a transcript as JSONL",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Output path (default: ~/.counsel/exports/<id>-<timestamp>.jsonl)"},
				},
				Action: func(c *cli.Context) error {
					return run(ops.ExportTranscript(c.Context, svc.Deps, ops.ExportInput{
						ConversationID: c.Args().First(),
						Path:           c.String("path"),
					}))
				},
			},
		},
	}
}

func turnCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "turn",
		Usage:     "Process one message (argument or stdin)",
		ArgsUsage: "<conversation-id> [message]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "phase", Usage: "Override the current phase"},
			&cli.StringFlag{Name: "provider", Usage: "Provider name"},
			&cli.BoolFlag{Name: "store-user", Value: true, Usage: "Store the user message with the reply"},
		},
		Action: func(c *cli.Context) error {
			msg, err := argOrStdin(c, 1)
			if err != nil {
				return outputError(err)
			}
			return run(ops.ProcessTurn(c.Context, svc.Deps, ops.ProcessTurnInput{
				ConversationID:   c.Args().First(),
				Message:          msg,
				CurrentPhase:     c.String("phase"),
				Provider:         c.String("provider"),
				StoreUserMessage: c.Bool("store-user"),
			}))
		},
	}
}

func searchCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search the knowledge base",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "top-k", Aliases: []string{"k"}, Usage: "Number of results"},
		},
		Action: func(c *cli.Context) error {
			return run(ops.SearchDocuments(c.Context, svc.Deps, ops.SearchInput{
				Query: strings.Join(c.Args().Slice(), " "),
				TopK:  c.Int("top-k"),
			}))
		},
	}
}

func answerCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "answer",
		Usage:     "Answer a question from retrieved documents",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "context", Usage: "Extra context for the answer"},
			&cli.StringFlag{Name: "provider", Usage: "Provider name"},
		},
		Action: func(c *cli.Context) error {
			return run(ops.AnswerWithRetrieval(c.Context, svc.Deps, ops.AnswerInput{
				Query:    strings.Join(c.Args().Slice(), " "),
				Context:  c.String("context"),
				Provider: c.String("provider"),
			}))
		},
	}
}

func seedCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Load templates, rules and documents from a YAML seed (path or stdin)",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Lint only, write nothing"},
		},
		Action: func(c *cli.Context) error {
			input := ops.SeedInput{Path: c.Args().First(), DryRun: c.Bool("dry-run")}
			if input.Path == "" {
				if !stdinHasData() {
					return outputError(errors.NewInvalidRequest("seed path or piped content is required"))
				}
				content, err := readStdin(maxStdinBytes)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.Content = content
			}
			return run(ops.ApplySeed(c.Context, svc.Deps, input))
		},
	}
}

func refreshCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Rebuild the retrieval index from active documents",
		Action: func(c *cli.Context) error {
			return run(ops.RefreshIndex(c.Context, svc.Deps))
		},
	}
}

func rulesCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "List phase branch rules",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "Only rules leaving this phase"},
			&cli.BoolFlag{Name: "all", Usage: "Include inactive rules"},
		},
		Action: func(c *cli.Context) error {
			return run(ops.ListRules(c.Context, svc.Deps, ops.ListRulesInput{
				FromPhase:       c.String("from"),
				IncludeInactive: c.Bool("all"),
			}))
		},
	}
}

func statusCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Check database, providers and index health",
		Action: func(c *cli.Context) error {
			return run(ops.Health(c.Context, svc.Deps))
		},
	}
}

func automationCmd(svc *services) *cli.Command {
	return &cli.Command{
		Name:  "automation",
		Usage: "Run desktop automation workflows",
		Subcommands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run a workflow template, or steps read as JSON from stdin",
				ArgsUsage: "[template]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Workflow ID (default: generated)"},
					&cli.StringSliceFlag{Name: "var", Usage: "Variable as key=value (repeatable)"},
				},
				Action: func(c *cli.Context) error {
					vars, err := parseVars(c.StringSlice("var"))
					if err != nil {
						return outputError(err)
					}
					input := ops.RunWorkflowInput{
						WorkflowID: c.String("id"),
						Template:   c.Args().First(),
						Variables:  vars,
					}
					if input.Template == "" && stdinHasData() {
						raw, err := readStdin(maxStdinBytes)
						if err != nil {
							return outputError(errors.NewInvalidRequest(err.Error()))
						}
						if err := json.Unmarshal([]byte(raw), &input.Steps); err != nil {
							return outputError(errors.NewInvalidRequest(fmt.Sprintf("steps must be a JSON array: %v", err)))
						}
					}
					return run(ops.RunWorkflow(c.Context, svc.Deps, input))
				},
			},
			{
				Name:  "templates",
				Usage: "List built-in workflow templates",
				Action: func(*cli.Context) error {
					return outputJSON(automation.Templates)
				},
			},
			{
				Name:  "status",
				Usage: "Show active workflows and capabilities",
				Action: func(c *cli.Context) error {
					return run(ops.AutomationStatus(c.Context, svc.Deps))
				},
			},
			{
				Name:  "connect",
				Usage: "Serve workflows for a remote orchestrator over websocket",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "Orchestrator URL (default from config automation.server_url)"},
				},
				Action: func(c *cli.Context) error {
					return svc.Client(c.String("url")).Run(c.Context)
				},
			},
		},
	}
}

// Helper functions

// run prints an operation's output or converts its error for the CLI.
func run[T any](out T, err error) error {
	if err != nil {
		return outputError(err)
	}
	return outputJSON(out)
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if ce, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", ce.Code, ce.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// argOrStdin returns positional argument i joined with the rest, or piped
// stdin when there are no more arguments.
func argOrStdin(c *cli.Context, i int) (string, error) {
	if args := c.Args().Slice(); len(args) > i {
		return strings.Join(args[i:], " "), nil
	}
	if !stdinHasData() {
		return "", errors.NewInvalidRequest("message must be an argument or piped via stdin")
	}
	s, err := readStdin(maxStdinBytes)
	if err != nil {
		return "", errors.NewInvalidRequest(err.Error())
	}
	return s, nil
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseVars turns key=value pairs into workflow variables.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("variable %q must be key=value", p))
		}
		vars[k] = v
	}
	return vars, nil
}
