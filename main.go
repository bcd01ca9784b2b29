// homelab-gpt - a terminal chat client for a self-hosted LLM gateway.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/wgj/homelab-gpt/internal/config"
	"github.com/wgj/homelab-gpt/internal/kv"
	"github.com/wgj/homelab-gpt/internal/model"
	"github.com/wgj/homelab-gpt/internal/remote"
	"github.com/wgj/homelab-gpt/internal/session"
	"github.com/wgj/homelab-gpt/internal/util"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return err
	}
	db, err := kv.Open(filepath.Join(dataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer db.Close()

	rc := remote.NewClientWithConfig(cfg.RemoteClientConfig())
	mgr := session.NewManager(rc, db, cfg.FlushDebounce())
	defer mgr.Close()

	mgr.Restore()
	applySessionDefaults(mgr, cfg)

	if err := mgr.Bootstrap(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: remote store unavailable: %v\n", err)
	}

	return repl(mgr, cfg)
}

// applySessionDefaults seeds fresh conversations with the configured model
// and generation settings.
func applySessionDefaults(mgr *session.Manager, cfg *config.Config) {
	cur := mgr.Current()
	if cur == nil || !cur.IsEmpty() {
		return
	}
	cur.Settings.Model = cfg.Session.DefaultModel
	cur.Settings.MaxTokens = cfg.Session.DefaultMaxTokens
	cur.Settings.Determinism = cfg.Session.DefaultDeterminism
	cur.Settings.Credential = cfg.Remote.Credential
}

// =============================================================================
// REPL
// =============================================================================

var replCommands = []string{
	"/user", "/users", "/list", "/open", "/new", "/save", "/delete",
	"/continue", "/cancel", "/models", "/import", "/export", "/help", "/quit",
}

func repl(mgr *session.Manager, cfg *config.Config) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, cmd := range replCommands {
			if strings.HasPrefix(cmd, prefix) {
				out = append(out, cmd)
			}
		}
		return
	})

	// Render streamed frames as they replace the reply in place.
	mgr.OnChange(func() {})

	fmt.Printf("homelab-gpt %s (type /help for commands)\n", Version)

	for {
		input, err := line.Prompt(prompt(mgr))
		if err == liner.ErrPromptAborted {
			mgr.Cancel()
			continue
		}
		if err != nil {
			return nil // EOF
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(mgr, cfg, input); quit {
				return nil
			}
			continue
		}

		sendAndWait(mgr, input)
	}
}

func prompt(mgr *session.Manager) string {
	name := "anonymous"
	if u := mgr.ActiveUser(); u != nil {
		name = u.Name
	}
	label := "New Chat"
	if cur := mgr.Current(); cur != nil {
		label = util.TruncateRunes(cur.Label(), 24)
	}
	return fmt.Sprintf("%s | %s> ", name, label)
}

// sendAndWait appends the user message, streams the reply, and blocks until
// the exchange terminates, printing the growing reply as frames land.
func sendAndWait(mgr *session.Manager, text string) {
	mgr.InsertMessage(nil, model.NewUserMessage(text))

	done := make(chan struct{}, 1)
	var printed int
	mgr.OnChange(func() {
		cur := mgr.Current()
		if cur == nil || cur.MessageCount() == 0 {
			return
		}
		last := cur.Messages[cur.MessageCount()-1]
		if last.Role != model.RoleAssistant {
			return
		}
		if len(last.Content) > printed {
			fmt.Print(last.Content[printed:])
			printed = len(last.Content)
		}
		if !mgr.Busy() {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	mgr.Send(nil)
	<-done
	mgr.OnChange(func() {})
	fmt.Println()

	if cur := mgr.Current(); cur != nil && cur.MessageCount() > 0 {
		last := cur.Messages[cur.MessageCount()-1]
		if last.Error != "" {
			fmt.Printf("[error] %s\n", last.Error)
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func handleCommand(mgr *session.Manager, cfg *config.Config, input string) (quit bool) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	ctx := context.Background()

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		printHelp()

	case "/users":
		for _, u := range mgr.KnownUsers() {
			fmt.Printf("  %s  %s\n", u.ID, u.Name)
		}

	case "/user":
		if len(args) == 0 {
			if err := mgr.SetActiveUser(ctx, nil); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println("signed out")
			return
		}
		for _, u := range mgr.KnownUsers() {
			if u.Name == args[0] || u.ID == args[0] {
				user := u
				if err := mgr.SetActiveUser(ctx, &user); err != nil {
					fmt.Printf("[error] %v\n", err)
				}
				return
			}
		}
		fmt.Printf("unknown user %q (see /users)\n", args[0])

	case "/models":
		for _, info := range mgr.Models() {
			fmt.Printf("  %s  %s (max %d tokens)\n", info.ID, info.Label, info.MaxTokens)
		}

	case "/list":
		for i, conv := range mgr.Conversations() {
			marker := " "
			if cur := mgr.Current(); cur != nil && cur.Key == conv.Key {
				marker = "*"
			}
			fmt.Printf("%s %2d  %s\n", marker, i+1, util.TruncateRunes(conv.Label(), 60))
		}

	case "/open":
		if len(args) == 0 {
			if err := mgr.Open(ctx, nil); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			return
		}
		n, err := strconv.Atoi(args[0])
		convs := mgr.Conversations()
		if err != nil || n < 1 || n > len(convs) {
			fmt.Printf("usage: /open [1-%d]\n", len(convs))
			return
		}
		if err := mgr.Open(ctx, convs[n-1]); err != nil {
			fmt.Printf("[error] %v\n", err)
		}

	case "/new":
		// Signed in: a real server-listed conversation. Signed out: only a
		// local draft is possible.
		if mgr.ActiveUser() != nil {
			mgr.NewConversation()
		} else {
			mgr.Open(ctx, nil)
		}
		applySessionDefaults(mgr, cfg)

	case "/save":
		mgr.PromoteDraftToSaved()
		if mgr.SaveEligible() {
			fmt.Println("saved")
		} else {
			fmt.Println("nothing to save (sign in with /user first)")
		}

	case "/delete":
		if err := mgr.DeleteCurrent(ctx); err != nil {
			fmt.Printf("[error] %v\n", err)
		}

	case "/continue":
		cur := mgr.Current()
		if cur == nil || cur.MessageCount() == 0 {
			fmt.Println("nothing to continue")
			return
		}
		last := cur.Messages[cur.MessageCount()-1]
		if last.Role != model.RoleAssistant {
			fmt.Println("last message is not an assistant reply")
			return
		}
		sendAndWaitResume(mgr, last)

	case "/cancel":
		mgr.Cancel()

	case "/export":
		if len(args) == 0 {
			fmt.Println("usage: /export <file>")
			return
		}
		data, err := mgr.ExportJSON()
		if err != nil || data == nil {
			fmt.Printf("[error] nothing to export: %v\n", err)
			return
		}
		if err := util.AtomicWriteFile(args[0], data, 0644); err != nil {
			fmt.Printf("[error] %v\n", err)
			return
		}
		fmt.Printf("exported to %s\n", args[0])

	case "/import":
		if len(args) == 0 {
			fmt.Println("usage: /import <file>")
			return
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("[error] %v\n", err)
			return
		}
		conv, err := session.ParseConversation(data)
		if err != nil {
			fmt.Printf("[error] %v\n", err)
			return
		}
		mgr.Import(conv)
		fmt.Printf("imported %q as a draft (use /save to keep it)\n", conv.Label())

	default:
		fmt.Printf("unknown command %s (see /help)\n", cmd)
	}
	return false
}

// sendAndWaitResume resumes generation into an existing assistant message.
func sendAndWaitResume(mgr *session.Manager, target *model.Message) {
	done := make(chan struct{}, 1)
	var printed = len(target.Content)
	fmt.Print(target.Content)
	mgr.OnChange(func() {
		cur := mgr.Current()
		if cur == nil {
			return
		}
		msg := cur.MessageByID(target.ID)
		if msg != nil && len(msg.Content) > printed {
			fmt.Print(msg.Content[printed:])
			printed = len(msg.Content)
		}
		if !mgr.Busy() {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	mgr.ContinueFrom(target)
	<-done
	mgr.OnChange(func() {})
	fmt.Println()
}

func printHelp() {
	fmt.Print(`Commands:
  /user [name]     switch user (no argument signs out)
  /users           list known users
  /models          list available models
  /list            list conversations
  /open [n]        open conversation n (no argument opens a blank slate)
  /new             start a fresh conversation
  /save            keep the current draft on the server
  /delete          delete the current conversation
  /continue        resume the last assistant reply
  /cancel          stop the in-flight reply
  /export <file>   write the current conversation as JSON
  /import <file>   load a conversation JSON as a new draft
  /quit            exit
Anything else is sent as a chat message.
`)
}
