package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chatwarden/warden/automod/engine"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/keyword"
	"github.com/chatwarden/warden/automod/platform"
	"github.com/chatwarden/warden/automod/rules"
	"github.com/chatwarden/warden/automod/setstore"
	"github.com/chatwarden/warden/automod/userstore"

	cli "github.com/urfave/cli/v2"
)

// Operator tool: runs lines from stdin through the local (non-LLM) stages and prints what would happen.
var checkCmd = &cli.Command{
	Name:  "check",
	Usage: "reads lines of text from stdin and prints the funnel outcome for each (no classifier calls)",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "sets-file",
			Usage:   "JSON file with named word and domain sets",
			EnvVars: []string{"WARDEN_SETS_FILE"},
		},
		&cli.StringSliceFlag{
			Name:    "stop-words",
			EnvVars: []string{"WARDEN_STOP_WORDS"},
		},
		&cli.StringSliceFlag{
			Name:    "suspicious-words",
			EnvVars: []string{"WARDEN_SUSPICIOUS_WORDS"},
		},
		&cli.BoolFlag{
			Name:  "identifiers",
			Usage: "treat each line as a username or display name, and only report stop word tokens",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := engine.DefaultConfig()
		cfg.StopWords = cctx.StringSlice("stop-words")
		cfg.SuspiciousWords = cctx.StringSlice("suspicious-words")
		sets := setstore.NewMemSetStore()
		if p := cctx.String("sets-file"); p != "" {
			if err := sets.LoadFromFileJSON(p); err != nil {
				return err
			}
		}
		if cctx.Bool("identifiers") {
			return checkIdentifiers(cctx.Context, os.Stdin, os.Stdout, keyword.NewStopWords(cfg.StopWords), sets)
		}
		return checkLines(cctx.Context, os.Stdin, os.Stdout, cfg, sets)
	},
}

func checkLines(ctx context.Context, in io.Reader, out io.Writer, cfg engine.Config, sets *setstore.MemSetStore) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.NewEngine(cfg, userstore.NewMemStore(), logger)
	if err != nil {
		return err
	}
	eng.Stages = rules.DefaultStages()
	eng.Sets = sets
	eng.Executor = &platform.LogExecutor{Logger: logger}

	scanner := bufio.NewScanner(in)
	n := 0
	for scanner.Scan() {
		line := scanner.Text()
		n++
		// fresh member per line, so escalation does not carry over
		msg := event.Message{
			ID:     fmt.Sprintf("line-%d", n),
			ChatID: "check",
			Author: event.User{UserID: fmt.Sprintf("user-%d", n)},
			Text:   line,
		}
		d, err := eng.ProcessMessage(ctx, msg)
		if err != nil {
			return err
		}
		detail := "-"
		if d.Verdict != nil {
			detail = fmt.Sprintf("%s:%s", d.Verdict.Stage, d.Verdict.Reason)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", strings.ToUpper(string(d.Action)), detail, line)
	}
	return scanner.Err()
}

func checkIdentifiers(ctx context.Context, in io.Reader, out io.Writer, sw *keyword.StopWords, sets *setstore.MemSetStore) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		tokens := keyword.TokenizeIdentifier(line)
		if w := sw.MatchTokens(tokens); w != "" {
			fmt.Fprintf(out, "MATCH\t%s\t%s\n", w, line)
			continue
		}
		for _, tok := range tokens {
			match, err := sets.InSet(ctx, setstore.SetStopWords, tok)
			if err != nil {
				return err
			}
			if match {
				fmt.Fprintf(out, "MATCH\t%s\t%s\n", tok, line)
				break
			}
		}
	}
	return scanner.Err()
}
