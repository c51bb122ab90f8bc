// Command chess-client is the terminal front end of a cheese-duel session.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/park285/cheese-duel/internal/app"
	"github.com/park285/cheese-duel/internal/config"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/peer"
	"go.uber.org/zap"
)

func main() {
	resumeID := flag.String("resume", "", "resume a stored session by id")
	historyFile := flag.String("history", ".cheese_duel_history", "readline history file")
	flag.Parse()

	if err := obslog.InitFromEnv("chess-client"); err != nil {
		fmt.Fprintf(os.Stderr, "log init error: %v\n", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init_error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := deps.Close(cctx); err != nil {
			logger.Warn("close_error", zap.Error(err))
		}
	}()

	sess, err := deps.NewSession(ctx, *resumeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session error: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "chess> ",
		HistoryFile:     *historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline error: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	con := newConsole(sess, deps.Catalog, rl.Stdout())
	if deps.Snapshots != nil {
		con.snapshots = deps.Snapshots
	}
	con.banner(cfg)
	if *resumeID != "" {
		con.say("app.resumed", map[string]any{"SessionID": sess.ID(), "Ply": len(sess.History())})
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.DecisionTimeout())
	if msg, err := deps.Decision.Ping(pctx); err != nil {
		con.say("app.service_down", map[string]any{"Error": err.Error()})
	} else {
		con.say("app.service_up", map[string]any{"Message": msg})
	}
	cancel()

	if deps.Peer != nil {
		deps.Peer.OnStateChange(func(st peer.State) {
			con.say("app.peer_state", map[string]any{"State": string(st)})
		})
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := deps.Connect(cctx); err != nil {
			logger.Warn("peer_connect_error", zap.Error(err))
			con.say("error.generic", map[string]any{"Detail": err.Error()})
		}
		cancel()
	}

	sess.OnChange(con.onChange)
	if err := sess.Start(); err != nil {
		con.reportError(err)
	}

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	for {
		rl.SetPrompt(con.prompt())
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if strings.TrimSpace(line) == "" {
				break
			}
			continue
		}
		if err == io.EOF || err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			continue
		}
		if !con.exec(ctx, line) {
			break
		}
	}
	con.say("app.bye", nil)
}
