// talkio - A terminal interface for multi-model LLM chat with MCP tools.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/talkio-tui/internal/chat"
	"github.com/jeranaias/talkio-tui/internal/config"
	"github.com/jeranaias/talkio-tui/internal/mcp"
	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/storage"
	"github.com/jeranaias/talkio-tui/internal/tools"
	uichat "github.com/jeranaias/talkio-tui/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default ~/.talkio/config.toml)")
	modelsFlag := flag.String("models", "", "comma-separated model ids; more than one starts a group chat")
	resume := flag.Bool("continue", false, "resume the most recent conversation")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("talkio %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *modelsFlag, *resume); err != nil {
		fmt.Fprintln(os.Stderr, "talkio:", err)
		os.Exit(1)
	}
}

func run(configPath, modelsFlag string, resume bool) error {
	if configPath == "" {
		var err error
		configPath, err = config.ConfigPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return err
	}

	// The TUI owns the terminal; route logs to a file beside the config.
	if f, err := openLogFile(); err == nil {
		defer f.Close()
		log.SetOutput(f)
	}

	dbPath, err := config.DatabasePath()
	if err != nil {
		return err
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	batch := storage.NewBatchWriter(store.ApplyPatch)
	defer batch.Close()

	manager := mcp.NewManager()
	defer manager.DisconnectAll()

	orch := chat.New(store, batch, manager, tools.NewRegistry(), cfg)

	// Config hot-reload: push new configs into the UI event loop, which
	// hands them to the orchestrator (resetting changed MCP servers).
	reloads := make(chan *config.Config, 1)
	if watcher, err := config.NewWatcher(configPath); err == nil {
		defer watcher.Close()
		watcher.Subscribe(func(next *config.Config) {
			select {
			case reloads <- next:
			default:
			}
		})
	} else {
		log.Printf("[Config] hot-reload unavailable: %v", err)
	}

	conv, err := pickConversation(store, cfg, modelsFlag, resume)
	if err != nil {
		return err
	}

	view := uichat.New(orch, store, conv, reloads)
	_, err = tea.NewProgram(view, tea.WithAltScreen()).Run()
	return err
}

// pickConversation resumes the latest conversation or starts a fresh one
// for the requested models.
func pickConversation(store *storage.Store, cfg *config.Config, modelsFlag string, resume bool) (*model.Conversation, error) {
	if resume {
		convs, err := store.ListConversations()
		if err != nil {
			return nil, err
		}
		if len(convs) > 0 {
			return convs[0], nil
		}
	}

	var modelIDs []string
	if modelsFlag != "" {
		for _, id := range strings.Split(modelsFlag, ",") {
			if id = strings.TrimSpace(id); id != "" {
				modelIDs = append(modelIDs, id)
			}
		}
	} else if cfg.DefaultModel != "" {
		modelIDs = []string{cfg.DefaultModel}
	}
	if len(modelIDs) == 0 {
		return nil, fmt.Errorf("no model configured: set default_model in the config or pass -models")
	}
	for _, id := range modelIDs {
		if cfg.ModelByID(id) == nil {
			return nil, fmt.Errorf("unknown model id %q", id)
		}
	}

	conv := model.NewConversation(modelIDs...)
	// Group chats are titled from their member names up front; single chats
	// stay untitled until the first message names them.
	if conv.IsGroup() {
		names := make([]string, 0, len(modelIDs))
		for _, id := range modelIDs {
			name := id
			if m := cfg.ModelByID(id); m != nil && m.DisplayName != "" {
				name = m.DisplayName
			}
			names = append(names, name)
		}
		conv.Title = model.AutoTitle(names)
	}
	if err := store.InsertConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func openLogFile() (*os.File, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "talkio.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
