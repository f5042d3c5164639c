package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	appcfg "github.com/kapu/chess-arena-go/internal/config"
	"github.com/kapu/chess-arena-go/internal/identity"
	"github.com/kapu/chess-arena-go/internal/obslog"
	"github.com/kapu/chess-arena-go/internal/resolver"
	"github.com/kapu/chess-arena-go/internal/rules"
	"github.com/kapu/chess-arena-go/internal/session"
	"github.com/kapu/chess-arena-go/internal/transport"
	"go.uber.org/zap"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	logger := obslog.L()

	var ident identity.Provider
	if cfg.IdentityBaseURL != "" {
		headers := func() map[string]string {
			h := map[string]string{}
			if cfg.AuthToken != "" {
				h["Authorization"] = "Bearer " + cfg.AuthToken
			}
			return h
		}
		ident = identity.NewClient(cfg.IdentityBaseURL, identity.WithHeaderProvider(headers))
	} else {
		ident = identity.Static{UserID: cfg.UserID}
	}

	ws := transport.New(cfg.ArenaWSURL, cfg.ReconnectDelay, logger)
	ws.OnStateChange(func(state transport.State) {
		logger.Info("ws_state", zap.String("state", string(state)))
	})

	eng := rules.New()
	sess := session.New(eng, ident, ws, logger, printUpdate)
	ws.OnMessage(sess.HandleEnvelope)
	board := resolver.New(eng, sess, logger)

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = ws.Connect(cctx)
	cancel()
	if err != nil {
		// the channel keeps retrying in the background
		logger.Warn("ws_connect_failed", zap.Error(err))
	}

	fmt.Println("commands: find | sel <sq> | drop <from> <to> | board | end | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]
		ctx := context.Background()

		switch cmd {
		case "find":
			if err := sess.FindMatch(ctx); err != nil {
				fmt.Println("find failed:", err)
			}
		case "sel":
			if len(args) != 1 {
				fmt.Println("usage: sel <square>")
				continue
			}
			out, err := board.Select(ctx, args[0])
			if err != nil {
				fmt.Println("rejected:", err)
				continue
			}
			switch {
			case out.Submitted:
				fmt.Printf("played %s%s%s\n", out.Move.From, out.Move.To, out.Move.Promotion)
			case len(out.Highlights) > 0:
				fmt.Println("targets:", strings.Join(out.Highlights, " "))
			default:
				fmt.Println("nothing to do")
			}
		case "drop":
			if len(args) != 2 {
				fmt.Println("usage: drop <from> <to>")
				continue
			}
			out, err := board.Drop(ctx, args[0], args[1])
			if err != nil {
				fmt.Println("rejected:", err)
				continue
			}
			fmt.Printf("played %s%s%s\n", out.Move.From, out.Move.To, out.Move.Promotion)
		case "board":
			snap, err := sess.Snapshot(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			printUpdate(snap)
		case "end":
			if err := sess.EndGame(ctx); err != nil {
				fmt.Println("end failed:", err)
			}
			board.Reset()
		case "quit", "exit":
			sess.Close()
			_ = ws.Close(context.Background())
			return
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
	sess.Close()
	_ = ws.Close(context.Background())
}

func printUpdate(s session.Snapshot) {
	switch s.Phase {
	case session.PhaseSearching:
		fmt.Println("searching for an opponent...")
	case session.PhaseActive:
		who := "opponent"
		if s.Turn == session.OwnerLocal {
			who = "you"
		}
		fmt.Printf("[%s] vs %s (%s) move %d, to move: %s\n", s.GameID, s.Opponent, s.Color, s.MoveCount, who)
		fmt.Println("fen:", s.FEN)
	case session.PhaseEnded:
		fmt.Printf("game over (%s)\n", s.EndReason)
	}
}
