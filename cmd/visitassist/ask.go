package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/visitassist/internal/assistant"
	"github.com/ent0n29/visitassist/internal/backend"
	"github.com/ent0n29/visitassist/internal/config"
	"github.com/ent0n29/visitassist/internal/protocol"
)

type askOptions struct {
	offline  bool
	duplex   bool
	dateFrom string
	dateTo   string
	verbose  bool
}

func askCmd() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the visitor assistant from the terminal",
		Long: `Ask one question, or start a conversation on stdin when no question is given.
Type /reset to start a new session and /quit to leave.

Examples:
  visitassist ask --offline "Combien de visiteurs aujourd'hui?"
  visitassist ask --from 2025-03-01 --to 2025-03-12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			router, err := newAskRouter(cfg, opts, logger)
			if err != nil {
				return err
			}
			defer router.Close()

			if len(args) > 0 {
				return askOnce(cmd.Context(), router, strings.Join(args, " "), cmd.OutOrStdout())
			}
			return converse(cmd.Context(), router, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "answer from the built-in mock backend")
	cmd.Flags().BoolVar(&opts.duplex, "duplex", false, "also dispatch on the websocket channel")
	cmd.Flags().StringVar(&opts.dateFrom, "from", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.dateTo, "to", "", "range end (YYYY-MM-DD)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")
	return cmd
}

func newAskRouter(cfg config.Config, opts askOptions, logger *slog.Logger) (*assistant.Router, error) {
	ro := assistant.Options{
		UserID:    "cli",
		Logger:    logger,
		Timeout:   cfg.DispatchTimeout,
		RangeDays: cfg.DefaultRangeDays,
	}
	if opts.offline || cfg.BackendMode == config.BackendModeMock {
		ro.Fallback = backend.NewMockBackend(nil)
	} else {
		ro.Fallback = backend.NewFallbackClient(cfg.BackendBaseURL, cfg.BackendToken, cfg.DispatchTimeout)
		if opts.duplex {
			url := cfg.DuplexURL
			if url == "" {
				url = backend.DuplexURLFromBase(cfg.BackendBaseURL)
			}
			d, err := backend.NewDuplexClient(backend.DuplexConfig{
				URL:            url,
				Token:          cfg.BackendToken,
				PrivateDest:    cfg.DuplexPrivateDest,
				BroadcastDest:  cfg.DuplexBroadcastDest,
				SendDest:       cfg.DuplexSendDest,
				ReconnectDelay: cfg.DuplexReconnectDelay,
				Logger:         logger,
			})
			if err != nil {
				return nil, err
			}
			ro.Duplex = d
		}
	}

	router, err := assistant.NewRouter(ro)
	if err != nil {
		return nil, err
	}
	if opts.dateFrom != "" || opts.dateTo != "" {
		from, to := router.DateRange()
		if opts.dateFrom != "" {
			d, err := protocol.ParseDate(opts.dateFrom)
			if err != nil {
				_ = router.Close()
				return nil, fmt.Errorf("--from: %w", err)
			}
			from = &d
		}
		if opts.dateTo != "" {
			d, err := protocol.ParseDate(opts.dateTo)
			if err != nil {
				_ = router.Close()
				return nil, fmt.Errorf("--to: %w", err)
			}
			to = &d
		}
		if err := router.SetDateRange(from, to); err != nil {
			_ = router.Close()
			return nil, err
		}
	}
	return router, nil
}

func askOnce(ctx context.Context, router *assistant.Router, text string, out io.Writer) error {
	res, err := router.Submit(ctx, text)
	if err != nil && !errors.Is(err, assistant.ErrTransportUnavailable) {
		return err
	}
	printTurn(out, res.Turn)
	return err
}

func converse(ctx context.Context, router *assistant.Router, in io.Reader, out io.Writer) error {
	turns := router.Turns()
	if len(turns) > 0 {
		printTurn(out, turns[0])
	}
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if _, err := router.Reset(); err != nil {
				return err
			}
			if turns := router.Turns(); len(turns) > 0 {
				printTurn(out, turns[0])
			}
			continue
		}
		err := askOnce(ctx, router, line, out)
		if err != nil && !errors.Is(err, assistant.ErrTransportUnavailable) {
			return err
		}
	}
}

func printTurn(out io.Writer, t assistant.Turn) {
	fmt.Fprintln(out, t.Text)
	for _, v := range t.Records {
		line := fmt.Sprintf("  - %s %s (%s)", v.Prenom, v.Nom, v.CIN)
		if v.TypeVisiteur != "" {
			line += " " + v.TypeVisiteur
		}
		if v.DateEntree != "" {
			line += " entrée " + v.DateEntree
		}
		if v.DateSortie != "" {
			line += " sortie " + v.DateSortie
		}
		fmt.Fprintln(out, line)
	}
	if len(t.Suggestions) > 0 {
		fmt.Fprintf(out, "  suggestions: %s\n", strings.Join(t.Suggestions, " | "))
	}
}
