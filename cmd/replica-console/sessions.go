// ABOUTME: The sessions and history subcommands
// ABOUTME: Lists sessions from the backend or local history, and prints stored conversations

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/replica-console/internal/backend"
	"github.com/2389/replica-console/internal/store"
)

func runSessions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	local := fs.Bool("local", false, "List sessions from local history instead of the backend")
	limit := fs.Int("limit", 50, "Maximum sessions to list from local history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	var sessions []store.Session
	if *local {
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is not configured")
		}
		h, err := store.NewSQLiteHistory(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer h.Close()

		stored, err := h.ListSessions(ctx, *limit)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		for _, s := range stored {
			sessions = append(sessions, *s)
		}
	} else {
		remote, err := backend.New(cfg.Server.BaseURL, nil, logger).ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		for _, s := range remote {
			sessions = append(sessions, s.StoreSession())
		}
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tCREATED\tTITLE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.LLMModel, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Title)
	}
	return w.Flush()
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	sessionID := fs.String("session", "", "Session ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("-session is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is not configured")
	}
	logger := setupLogger(cfg.Logging)

	h, err := store.NewSQLiteHistory(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer h.Close()

	st := store.New(h, logger)
	defer st.Close()
	if err := st.Restore(ctx, *sessionID); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	sess, err := st.Session(*sessionID)
	if err != nil {
		return err
	}
	color.New(color.FgCyan, color.Bold).Printf("%s", sess.ID)
	if sess.Title != "" {
		fmt.Printf("  %s", sess.Title)
	}
	fmt.Printf("  [%s]\n\n", sess.Status)

	for _, conv := range st.Conversations(*sessionID) {
		dimColor.Printf("── conversation %s %s\n", conv.ID, conv.Title)
		for _, m := range st.Messages(conv.ID) {
			printMessage(os.Stdout, m)
		}
		fmt.Println()
	}
	return nil
}
