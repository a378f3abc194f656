// Hanashi is a conversational agent with encrypted per-user memory.
//
// Usage:
//
//	hanashi [-config FILE] [-user ID] [chat]   interactive chat on stdin/stdout
//	hanashi [-config FILE] provision USER      create USER's data key
//	hanashi [-config FILE] usage USER          model usage of USER in the last 24h
//	hanashi version
//
// Configuration is read from FILE, ./hanashi.yaml,
// ~/.config/hanashi/config.yaml or /etc/hanashi/config.yaml (the first that
// exists), then overridden by environment variables:
//
//	HANASHI_MASTER_KEY       - 64 hex chars protecting user keys (required)
//	HANASHI_DB_BACKEND       - sqlite (default), badger or postgres
//	HANASHI_DB_PATH          - SQLite file (default: hanashi.db)
//	HANASHI_DB_DIR           - Badger directory
//	HANASHI_DB_DSN           - Postgres connection string
//	HANASHI_LLM_PROVIDER     - openai, gemini, compatible, lm_studio, ollama, echo
//	HANASHI_LLM_API_KEY      - provider API key
//	HANASHI_LLM_BASE_URL     - override the provider endpoint
//	HANASHI_LLM_MODEL        - model name
//	HANASHI_WEB_SEARCH_API_KEY - enables the web_search tool
//	HANASHI_OPS_LISTEN       - address for /healthz and /metrics (e.g. ":9090")
//	HANASHI_LOG_LEVEL        - trace, debug, info, warn, error (default: info)
//	HANASHI_LOG_FORMAT       - text or json (default: text)
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/Hanashi/common/environment"
	"github.com/bdobrica/Hanashi/common/version"
	"github.com/bdobrica/Hanashi/internal/hanashi/app"
	"github.com/bdobrica/Hanashi/internal/hanashi/config"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	userID := flag.String("user", "local", "user to chat as")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-config FILE] [-user ID] [chat | provision USER | usage USER | version]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	cmd := "chat"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if cmd == "version" {
		fmt.Println(version.Info())
		return
	}

	cfg, path, err := config.Resolve(*configPath, environment.New(config.EnvPrefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := observability.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if path != "" {
		slog.Debug("config loaded", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hanashi, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		slog.Error("failed to initialize Hanashi", "err", err)
		os.Exit(1)
	}

	switch cmd {
	case "chat":
		err = chat(ctx, hanashi, *userID)
	case "provision":
		err = provision(ctx, hanashi, args)
	case "usage":
		err = usage(ctx, hanashi, args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := hanashi.Close(closeCtx); cerr != nil {
		slog.Error("shutdown incomplete", "err", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func provision(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("usage: hanashi provision USER")
	}
	if err := a.Keyring().Provision(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("provisioned %s\n", args[0])
	return nil
}

func usage(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: hanashi usage USER")
	}
	sum, err := a.Store().UsageSince(ctx, args[0], time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d model calls, %d prompt tokens, %d completion tokens (last 24h)\n",
		args[0], sum.Calls, sum.PromptTokens, sum.CompletionTokens)
	return nil
}

// chat reads one message per line. Lines starting with "/chat " are recorded
// as general room chat instead of being answered.
func chat(ctx context.Context, a *app.App, userID string) error {
	if err := a.Keyring().EnsureProvisioned(ctx, userID); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Hanashi %s, chatting as %s. Ctrl-D to quit.\n", version.Version, userID)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	pool := a.Pool()
	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if text, ok := strings.CutPrefix(line, "/chat "); ok {
			if _, err := pool.ObserveChat(ctx, userID, "local", text); err != nil {
				slog.Warn("could not record chat message", "err", err)
			}
			continue
		}

		reply, err := pool.HandleMessage(ctx, userID, line)
		if err != nil {
			slog.Warn("turn failed", "err", err)
		}
		fmt.Println(reply.Answer)
		if len(reply.ToolsUsed) > 0 {
			fmt.Printf("  [tools: %s]\n", strings.Join(reply.ToolsUsed, ", "))
		}
	}
}
