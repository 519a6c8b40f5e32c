// ABOUTME: Entry point for replica-console, a terminal client for the coding assistant backend
// ABOUTME: Subcommands open a live chat, list sessions, and print stored history

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/replica-console/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
               _ _
 _ __ ___ _ __| (_) ___ __ _
| '__/ _ \ '_ \ | |/ __/ _' |
| | |  __/ |_) | | | (_| (_| |
|_|  \___| .__/|_|_|\___\__,_|
         |_|
`

func usage() {
	fmt.Println("Usage: replica-console <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat [-session ID] [-title T]  Open a live session (creates one if no ID is given)")
	fmt.Println("  sessions [-local]              List sessions from the backend or local history")
	fmt.Println("  history -session ID            Print a session's stored conversations")
	fmt.Println("  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, args)
	case "sessions":
		err = runSessions(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, string, error) {
	path := config.Path()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

func printBanner(cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend:  %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("History:  %s\n", cfg.Database.Path)
	} else {
		fmt.Println("History:  in memory")
	}
	fmt.Println()
}
