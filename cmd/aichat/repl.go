// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/tj800x/aichat/internal/chat"
	"github.com/tj800x/aichat/internal/config"
	"github.com/tj800x/aichat/internal/engine"
)

// dotCommands drive the REPL-level features. Everything else typed at the
// prompt is sent to the model.
var dotCommands = []string{
	".help",
	".info",
	".model",
	".role",
	".session",
	".save session",
	".clear messages",
	".file",
	".exit",
}

const replHelp = `Commands:
  .help              show this help
  .info              session, model and token status
  .model <id>        switch model (provider:name); .model lists them
  .role <name>       apply a system-prompt preset; .role lists them
  .session <id>      switch to another session (saves the current one)
  .save session      persist the session to disk
  .clear messages    drop the conversation, keeping the system prompt
  .file <path> [q]   send a file (image or text) with an optional question
  .exit              leave (Ctrl-D works too)

Anything else is sent to the model. End a line with \ to continue it.`

// repl runs the interactive loop until .exit or EOF.
func (a *app) repl(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(a.complete)

	histPath := filepath.Join(a.sessions.Dir(), "..", "repl_history")
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	// Hot-reload the config so key or endpoint edits apply to fresh
	// sessions without restarting. The running engine keeps its settings.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if path, err := configPath(); err == nil {
		config.Watch(path, stopWatch, func(cfg *config.Config) {
			a.cfg = cfg
		})
	}

	a.render.banner(a.eng.ModelID(), a.sess.ID)

	for {
		input, err := a.readInput(line)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil { // EOF
			return a.exitSave(line)
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, ".") {
			if quit := a.dispatch(ctx, input); quit {
				return a.exitSave(line)
			}
			continue
		}

		a.sendAndRender(ctx, chat.NewUserMessage(input))
	}
}

// readInput reads one logical input, joining backslash-continued lines.
func (a *app) readInput(line *liner.State) (string, error) {
	input, err := line.Prompt(a.render.prompt())
	if err != nil {
		return "", err
	}
	for strings.HasSuffix(input, "\\") {
		more, err := line.Prompt("... ")
		if err != nil {
			return "", err
		}
		input = strings.TrimSuffix(input, "\\") + "\n" + more
	}
	return strings.TrimSpace(input), nil
}

// sendAndRender runs one turn and reports errors without leaving the REPL.
func (a *app) sendAndRender(ctx context.Context, input *chat.Message) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	if a.noStream {
		var text string
		text, err = a.eng.Complete(turnCtx, input)
		if err == nil {
			a.render.markdown(text)
		}
	} else {
		err = a.streamTurn(turnCtx, input)
	}
	if err != nil {
		a.render.errorLine(describeError(err))
	}
	a.render.statusBar(a.eng.TokenStatus())
}

// dispatch handles one dot command. Returns true to exit the REPL.
func (a *app) dispatch(ctx context.Context, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case ".exit", ".quit":
		return true

	case ".help":
		fmt.Println(replHelp)

	case ".info":
		a.printInfo()

	case ".model":
		if arg == "" {
			listModels(os.Stdout, a.registry)
			break
		}
		if err := a.eng.SetModel(arg); err != nil {
			a.render.errorLine(describeError(err))
			break
		}
		a.sess.Model = arg
		fmt.Printf("model: %s\n", arg)

	case ".role":
		if arg == "" {
			fmt.Printf("roles: %s\n", strings.Join(a.roles.Names(), ", "))
			break
		}
		r, ok := a.roles.Get(arg)
		if !ok {
			a.render.errorLine(fmt.Sprintf("unknown role %q", arg))
			break
		}
		a.eng.Store().SetSystem(r.Prompt)
		a.roleName = arg
		fmt.Printf("role: %s\n", arg)

	case ".session":
		if arg == "" {
			a.printSessions()
			break
		}
		if err := a.switchSession(arg); err != nil {
			a.render.errorLine(err.Error())
		}

	case ".save":
		if arg != "session" {
			a.render.errorLine("usage: .save session")
			break
		}
		if err := a.saveSession(); err != nil {
			a.render.errorLine(err.Error())
			break
		}
		fmt.Printf("saved %s\n", a.sess.ID)

	case ".clear":
		if arg != "messages" {
			a.render.errorLine("usage: .clear messages")
			break
		}
		a.eng.Store().Clear()
		fmt.Println("messages cleared")

	case ".file":
		path, question, _ := strings.Cut(arg, " ")
		if path == "" {
			a.render.errorLine("usage: .file <path> [question]")
			break
		}
		msg, err := fileMessage(path, strings.TrimSpace(question))
		if err != nil {
			a.render.errorLine(err.Error())
			break
		}
		a.sendAndRender(ctx, msg)

	default:
		a.render.errorLine(fmt.Sprintf("unknown command %s (try .help)", cmd))
	}
	return false
}

func (a *app) printInfo() {
	total, max := a.eng.TokenStatus()
	spec := a.eng.Spec()
	fmt.Printf("session    %s\n", a.sess.ID)
	fmt.Printf("model      %s (%s)\n", a.eng.ModelID(), spec.Family)
	if a.roleName != "" {
		fmt.Printf("role       %s\n", a.roleName)
	}
	fmt.Printf("messages   %d\n", a.eng.Store().Len())
	fmt.Printf("tokens     %d / %d\n", total, max)
	if a.audit != nil {
		if n, err := a.audit.ArchivedCount(a.sess.ID); err == nil && n > 0 {
			fmt.Printf("compacted  %d archived transcript(s)\n", n)
		}
	}
}

func (a *app) printSessions() {
	metas, err := a.sessions.List()
	if err != nil {
		a.render.errorLine(err.Error())
		return
	}
	if len(metas) == 0 {
		fmt.Println("no saved sessions")
		return
	}
	for _, m := range metas {
		marker := " "
		if m.ID == a.sess.ID {
			marker = "*"
		}
		fmt.Printf("%s %-42s %-30s %s\n",
			marker, m.ID, m.Model, m.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

// switchSession saves the current session, then loads or creates the
// named one. The target session's own role applies, not the current one.
func (a *app) switchSession(id string) error {
	if err := a.saveSession(); err != nil {
		return fmt.Errorf("could not save current session: %w", err)
	}
	a.roleName = ""
	if err := a.openSession(id, a.eng.ModelID(), ""); err != nil {
		return err
	}
	fmt.Printf("session: %s\n", a.sess.ID)
	return nil
}

// exitSave persists the session on the way out when configured or when
// the session was explicitly named.
func (a *app) exitSave(line *liner.State) error {
	line.Close()
	if a.cfg.SaveSession || flagSession != "" {
		if err := a.saveSession(); err != nil {
			return err
		}
		fmt.Printf("saved %s\n", a.sess.ID)
	}
	return nil
}

// complete offers dot-command and model-id completion.
func (a *app) complete(prefix string) []string {
	var out []string
	if strings.HasPrefix(prefix, ".model ") {
		rest := strings.TrimPrefix(prefix, ".model ")
		for _, spec := range a.registry.List() {
			if strings.HasPrefix(spec.Key(), rest) {
				out = append(out, ".model "+spec.Key())
			}
		}
		return out
	}
	for _, c := range dotCommands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// fileMessage builds a user message from a local file. Images travel as
// media parts; everything else is inlined as text.
func fileMessage(path, question string) (*chat.Message, error) {
	mime := mimeByExt(path)
	if strings.HasPrefix(mime, "image/") {
		uri, err := encodeDataURI(path, mime)
		if err != nil {
			return nil, err
		}
		if question == "" {
			question = "Describe this image."
		}
		return chat.NewUserMessageWithMedia(question, chat.MediaPart(uri, mime)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("File %s:\n\n%s", filepath.Base(path), string(data))
	if question != "" {
		text += "\n\n" + question
	}
	return chat.NewUserMessage(text), nil
}

// describeError keeps REPL error lines short while surfacing the kind.
func describeError(err error) string {
	var e *chat.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
	}
	if errors.Is(err, engine.ErrTurnInFlight) {
		return "a turn is already running"
	}
	return err.Error()
}

// confirmAndRun prints a generated shell command and executes it after an
// explicit yes.
func confirmAndRun(command string) error {
	fmt.Println(command)
	fmt.Print("execute? [y/N] ")
	reply, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "y", "yes":
	default:
		return nil
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// stripFences removes a wrapping markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func mimeByExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "text/plain"
	}
}

func encodeDataURI(path, mime string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func auditPath(sessionsDir string) string {
	return filepath.Join(sessionsDir, "..", "compression_audit.db")
}

func streamTimeout(cfg *config.Config) time.Duration {
	if cfg.StreamTimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(cfg.StreamTimeoutSecs) * time.Second
}
