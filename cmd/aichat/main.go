// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

// aichat is a multi-provider LLM chat client. It runs as an interactive
// REPL on a terminal and as a one-shot pipe filter otherwise.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/config"
	"github.com/tj800x/aichat/internal/engine"
	"github.com/tj800x/aichat/internal/history"
	"github.com/tj800x/aichat/internal/provider"
	"github.com/tj800x/aichat/internal/role"
	"github.com/tj800x/aichat/internal/storage"
)

var (
	flagModel      string
	flagRole       string
	flagSession    string
	flagConfig     string
	flagListModels bool
	flagNoStream   bool
	flagExecute    bool
)

func main() {
	root := &cobra.Command{
		Use:   "aichat [prompt...]",
		Short: "Chat with LLM providers from the terminal",
		Long: "aichat talks to OpenAI, Claude, Gemini, Ollama and any\n" +
			"OpenAI-compatible endpoint over a single interface.\n\n" +
			"With no prompt and a TTY it starts an interactive REPL.\n" +
			"Piped input is sent as a single turn.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE:          run,
	}

	root.Flags().StringVarP(&flagModel, "model", "m", "", "model as provider:name")
	root.Flags().StringVarP(&flagRole, "role", "r", "", "system prompt preset")
	root.Flags().StringVarP(&flagSession, "session", "s", "", "resume or create a named session")
	root.Flags().StringVar(&flagConfig, "config", "", "config file path")
	root.Flags().BoolVar(&flagListModels, "list-models", false, "list registered models and exit")
	root.Flags().BoolVar(&flagNoStream, "no-stream", false, "wait for the full response instead of streaming")
	root.Flags().BoolVarP(&flagExecute, "execute", "e", false, "generate a shell command and offer to run it")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles everything a REPL or one-shot run needs.
type app struct {
	cfg      *config.Config
	registry *provider.Registry
	roles    *role.Manager
	eng      *engine.Engine
	sessions *storage.SessionStore
	audit    *storage.AuditArchive
	sess     *storage.Session
	roleName string
	render   *renderer
	noStream bool
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := provider.BuildRegistry(cfg.RegistryConfig())
	if err != nil {
		return err
	}

	if flagListModels {
		return listModels(cmd.OutOrStdout(), registry)
	}

	roles, err := loadRoles()
	if err != nil {
		return err
	}

	a := &app{
		cfg:      cfg,
		registry: registry,
		roles:    roles,
		noStream: flagNoStream,
		render:   newRenderer(os.Stdout),
	}

	if a.sessions, err = storage.NewSessionStore(); err != nil {
		return err
	}
	// The audit archive is best effort; chat works without it.
	if audit, err := storage.OpenAuditArchive(auditPath(a.sessions.Dir())); err == nil {
		a.audit = audit
		defer audit.Close()
	}

	roleName := flagRole
	if flagExecute && roleName == "" {
		roleName = "shell"
	}

	if err := a.openSession(flagSession, modelID(cfg), roleName); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prompt := strings.Join(args, " ")
	if piped := readPiped(); piped != "" {
		if prompt != "" {
			prompt = prompt + "\n\n" + piped
		} else {
			prompt = piped
		}
	}

	if flagExecute {
		if prompt == "" {
			return fmt.Errorf("--execute needs a prompt")
		}
		return a.executeShell(ctx, prompt)
	}

	if prompt != "" {
		return a.oneShot(ctx, prompt)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("no prompt given and stdin is not a terminal")
	}
	return a.repl(ctx)
}

func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func loadRoles() (*role.Manager, error) {
	path, err := role.DefaultPath()
	if err != nil {
		return nil, err
	}
	return role.Load(path)
}

func modelID(cfg *config.Config) string {
	if flagModel != "" {
		return flagModel
	}
	return cfg.Model
}

// openSession builds the engine, resuming a stored session when one is
// named and exists.
func (a *app) openSession(sessionID, model, roleName string) error {
	opts := engine.Options{
		Registry:          a.registry,
		ModelID:           model,
		CompressThreshold: a.cfg.CompressThreshold,
		Temperature:       a.cfg.Temperature,
		TopP:              a.cfg.TopP,
		SummarizePrompt:   a.cfg.SummarizePrompt,
		RequestsPerMinute: a.cfg.RequestsPerMinute,
		StreamTimeout:     streamTimeout(a.cfg),
	}
	if a.audit != nil {
		opts.Archiver = a.audit
	}

	if sessionID != "" && a.sessions.Exists(sessionID) {
		sess, err := a.sessions.Load(sessionID)
		if err != nil {
			return err
		}
		store, err := sess.RestoreHistory()
		if err != nil {
			return fmt.Errorf("session %s is unreadable: %w", sessionID, err)
		}
		a.sess = sess
		opts.Store = store
		opts.SessionID = sess.ID
		if flagModel == "" && sess.Model != "" {
			opts.ModelID = sess.Model
		}
		if roleName == "" {
			roleName = sess.Role
		}
	} else {
		a.sess = storage.NewSession(opts.ModelID, roleName)
		if sessionID != "" {
			a.sess.ID = sessionID
		}
		opts.SessionID = a.sess.ID
	}

	if roleName != "" {
		r, ok := a.roles.Get(roleName)
		if !ok {
			return fmt.Errorf("unknown role %q (available: %s)",
				roleName, strings.Join(a.roles.Names(), ", "))
		}
		a.roleName = roleName
		if opts.Store == nil {
			opts.Store = history.NewStoreWithSystem(r.Prompt)
		} else {
			opts.Store.SetSystem(r.Prompt)
		}
		if r.Temperature != nil {
			opts.Temperature = r.Temperature
		}
		if r.TopP != nil {
			opts.TopP = r.TopP
		}
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	a.eng = eng
	return nil
}

// saveSession snapshots the live context into the session file.
func (a *app) saveSession() error {
	if err := a.sess.SetHistory(a.eng.Store()); err != nil {
		return err
	}
	a.sess.Model = a.eng.ModelID()
	a.sess.Role = a.roleName
	total, _ := a.eng.TokenStatus()
	a.sess.TokensUsed = total
	return a.sessions.Save(a.sess)
}

// oneShot sends a single prompt and writes the reply to stdout.
func (a *app) oneShot(ctx context.Context, prompt string) error {
	input := chat.NewUserMessage(prompt)

	if a.noStream || !a.render.interactive {
		text, err := a.eng.Complete(ctx, input)
		if err != nil {
			return err
		}
		fmt.Println(text)
	} else {
		if err := a.streamTurn(ctx, input); err != nil {
			return err
		}
	}

	if a.cfg.SaveSession || flagSession != "" {
		return a.saveSession()
	}
	return nil
}

// streamTurn runs one streamed turn, printing deltas as they arrive and
// re-rendering the final markdown on a TTY.
func (a *app) streamTurn(ctx context.Context, input *chat.Message) error {
	var reply strings.Builder
	err := a.eng.Send(ctx, input, func(ev chat.Event) {
		if ev.Kind == chat.EventDelta {
			reply.WriteString(ev.Text)
			a.render.delta(ev.Text)
		}
	})
	a.render.finish(reply.String(), err == nil)
	return err
}

// executeShell generates a shell command, shows it, and runs it on
// confirmation.
func (a *app) executeShell(ctx context.Context, prompt string) error {
	command, err := a.eng.Complete(ctx, chat.NewUserMessage(prompt))
	if err != nil {
		return err
	}
	command = strings.TrimSpace(stripFences(command))
	return confirmAndRun(command)
}

func listModels(w io.Writer, registry *provider.Registry) error {
	for _, spec := range registry.List() {
		vision := ""
		if spec.SupportsVision {
			vision = "  vision"
		}
		fmt.Fprintf(w, "%-45s %8d in / %6d out%s\n",
			spec.Key(), spec.MaxInputTokens, spec.MaxOutputTokens, vision)
	}
	return nil
}

// readPiped returns stdin's content when it is not a terminal.
func readPiped() string {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return ""
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
