// ABOUTME: The chat subcommand: opens one session's realtime connection and runs an input loop
// ABOUTME: Slash commands reach the backend's REST collaborators (files, code execution, conversations)

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/replica-console/internal/backend"
	"github.com/2389/replica-console/internal/config"
	"github.com/2389/replica-console/internal/connection"
	"github.com/2389/replica-console/internal/conversation"
	"github.com/2389/replica-console/internal/notice"
	"github.com/2389/replica-console/internal/store"
)

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	sessionID := fs.String("session", "", "Session ID to open (default: create a new session)")
	title := fs.String("title", "", "Title for a new session")
	offline := fs.Bool("offline", false, "Do not use the REST API; sessions come from local history only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	printBanner(cfg, configPath)

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	history, err := openHistory(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer history.Close()

	st := store.New(history, logger)
	defer st.Close()

	api := backend.New(cfg.Server.BaseURL, nil, logger)

	id, err := resolveSession(ctx, api, st, *sessionID, *title, *offline, logger)
	if err != nil {
		return err
	}

	notices := notice.New(cfg.Notices.DedupeWindow, logger)
	defer notices.Close()

	svc := conversation.New(st, &connection.WebSocketDialer{
		BaseURL:      cfg.Server.BaseURL,
		WriteTimeout: cfg.Reconnect.WriteTimeout,
	}, conversation.Options{
		Policy:  policyFromConfig(cfg.Reconnect),
		Notices: notices,
		Logger:  logger,
	})
	defer svc.Shutdown()

	r := newRenderer(st, id, os.Stdout)
	printTranscript(os.Stdout, st, id, 10)

	renderCtx, stopRender := context.WithCancel(ctx)
	changes, _ := st.Subscribe(renderCtx, id)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.run(renderCtx, changes, notices.Subscribe(renderCtx))
	}()
	defer func() {
		stopRender()
		<-done
	}()

	if err := svc.Open(ctx, id); err != nil {
		return err
	}

	color.New(color.FgHiBlack).Printf("Session %s. Type a message and press Enter. /help for commands.\n\n", id)

	c := &chat{
		svc:     svc,
		api:     api,
		st:      st,
		id:      id,
		offline: *offline,
		out:     os.Stdout,
		logger:  logger,
	}
	return c.loop(ctx, os.Stdin)
}

func policyFromConfig(rc config.ReconnectConfig) connection.Policy {
	return connection.Policy{
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
		MaxAttempts: rc.MaxAttempts,
		DialTimeout: rc.DialTimeout,
	}
}

// openHistory opens the SQLite history at path, or an in-memory history when path is empty.
func openHistory(path string) (store.History, error) {
	if path == "" {
		return store.NewMemoryHistory(), nil
	}
	h, err := store.NewSQLiteHistory(path)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return h, nil
}

// resolveSession makes sure the store knows the session that chat will open.
// Without an ID a session is created, on the backend unless offline.
// An existing session is synced from the backend, falling back to local history.
func resolveSession(ctx context.Context, api *backend.Client, st *store.Store, id, title string, offline bool, logger *slog.Logger) (string, error) {
	if offline {
		if id == "" {
			id = uuid.New().String()
			return id, st.PutSession(store.Session{ID: id, Title: title})
		}
		if err := st.Restore(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("restoring session: %w", err)
		}
		return id, nil
	}

	if id == "" {
		sess, err := api.CreateSession(ctx, backend.CreateSessionRequest{Title: title})
		if err != nil {
			return "", fmt.Errorf("creating session: %w", err)
		}
		id = sess.ID
	}

	if err := api.SyncSession(ctx, st, id); err != nil {
		logger.Warn("backend sync failed, using local history", "session_id", id, "error", err)
		if err := st.Restore(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("restoring local history failed", "session_id", id, "error", err)
		}
	}
	return id, nil
}

// chat is the interactive input side of the chat subcommand.
type chat struct {
	svc     *conversation.Service
	api     *backend.Client
	st      *store.Store
	id      string
	offline bool
	out     io.Writer
	logger  *slog.Logger
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		fmt.Fprint(c.out, "> ")

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := c.command(ctx, input)
			if err != nil {
				color.New(color.FgRed).Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := c.svc.SendMessage(ctx, c.id, input); err != nil {
			// The connection manager has already raised a notice for this one.
			if errors.Is(err, connection.ErrNotConnected) {
				continue
			}
			color.New(color.FgRed).Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *chat) command(ctx context.Context, input string) (quit bool, err error) {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(c.out, "Commands:")
		fmt.Fprintln(c.out, "  /status              Connection and agent state")
		fmt.Fprintln(c.out, "  /reconnect           Reconnect now, resetting the retry budget")
		fmt.Fprintln(c.out, "  /new [title]         Start a new conversation")
		fmt.Fprintln(c.out, "  /files [dir]         List workspace files")
		fmt.Fprintln(c.out, "  /cat <path>          Print a workspace file")
		fmt.Fprintln(c.out, "  /run <lang> <code>   Execute code in the session sandbox")
		fmt.Fprintln(c.out, "  /quit                Disconnect and exit")
		return false, nil

	case "/status":
		conv, _ := c.st.CurrentConversation(c.id)
		fmt.Fprintf(c.out, "connection: %s\nactivity:   %s\nconversation: %s\n",
			c.svc.ConnectionState(c.id), c.svc.Activity(c.id), conv.ID)
		return false, nil

	case "/reconnect":
		return false, c.svc.Open(ctx, c.id)

	case "/new":
		return false, c.newConversation(ctx, rest)
	}

	if c.offline {
		return false, fmt.Errorf("%s needs the backend; chat was started with -offline", name)
	}

	switch name {
	case "/files":
		files, err := c.api.ListFiles(ctx, c.id, rest)
		if err != nil {
			return false, err
		}
		for _, f := range files {
			fmt.Fprintln(c.out, f)
		}
		return false, nil

	case "/cat":
		if rest == "" {
			return false, fmt.Errorf("usage: /cat <path>")
		}
		file, err := c.api.ReadFile(ctx, c.id, rest)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, file.Content)
		return false, nil

	case "/run":
		lang, code, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(code) == "" {
			return false, fmt.Errorf("usage: /run <lang> <code>")
		}
		res, err := c.api.Execute(ctx, c.id, backend.ExecuteRequest{Code: code, Language: lang})
		if err != nil {
			return false, err
		}
		if res.Success {
			color.New(color.FgGreen).Fprintf(c.out, "exit %d\n", res.ExitCode)
		} else {
			color.New(color.FgRed).Fprintf(c.out, "exit %d\n", res.ExitCode)
		}
		fmt.Fprint(c.out, res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(c.out)
		}
		return false, nil
	}

	return false, fmt.Errorf("unknown command %s (try /help)", name)
}

// newConversation creates a conversation and makes it current. Later messages go to it.
func (c *chat) newConversation(ctx context.Context, title string) error {
	conv := store.Conversation{ID: uuid.New().String(), SessionID: c.id, Title: title}
	if !c.offline {
		remote, err := c.api.CreateConversation(ctx, c.id, title)
		if err != nil {
			return err
		}
		conv = remote.StoreConversation()
	}
	if err := c.st.PutConversation(conv); err != nil {
		return err
	}
	if err := c.st.SetCurrentConversation(c.id, conv.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "conversation %s\n", conv.ID)
	return nil
}
