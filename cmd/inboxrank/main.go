package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/config"
	"github.com/kalambet/inboxrank/internal/ollama"
	"github.com/kalambet/inboxrank/internal/query"
	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/scorer"
	"github.com/kalambet/inboxrank/internal/search"
	"github.com/kalambet/inboxrank/internal/storage"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "inboxrank",
	Short:         "Email priority classification and natural-language mail search",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(ingestCmd, classifyCmd, queryCmd, suggestCmd, showCmd, historyCmd, rulesCmd,
		reindexCmd, statsCmd, exportCmd, configCmd, serveCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%v", err)
		stop()
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// app is the wired set of services behind every local command.
type app struct {
	cfg        config.Config
	store      *storage.Store
	index      *search.Index
	classifier *classify.Classifier
	query      *query.Executor
}

// openApp loads configuration, opens storage and wires the classifier.
// withAI false forces rule-only classification regardless of ai.enabled.
func openApp(ctx context.Context, withAI bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)

	rs, err := compileRules(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	weights := search.Weights{
		Subject:  cfg.Search.SubjectWeight,
		Sender:   cfg.Search.SenderWeight,
		Body:     cfg.Search.BodyWeight,
		Recency:  cfg.Search.RecencyWeight,
		HalfLife: time.Duration(cfg.Search.RecencyHalfLifeHours) * time.Hour,
	}
	ix := search.New(store, weights)

	a := &app{cfg: cfg, store: store, index: ix}

	var retrier *scorer.Retrier
	if withAI {
		retrier = newRetrier(ctx, cfg, os.Stderr)
	}

	a.classifier = classify.New(classify.Config{
		Store:       store,
		Index:       ix,
		Rules:       rs,
		Scorer:      retrier,
		Policy:      classify.Policy{BaselineConfidence: cfg.Classify.BaselineConfidence},
		Concurrency: cfg.Classify.Concurrency,
	})
	a.query = query.NewExecutor(store, ix, query.NewTranslator(), cfg.Query.DefaultLimit)
	return a, nil
}

// newRetrier returns nil when AI scoring is switched off, giving rule-only
// records. When it is on but Ollama is not ready, every call degrades as
// unavailable without retrying, so reports show why AI was skipped.
func newRetrier(ctx context.Context, cfg config.Config, progress io.Writer) *scorer.Retrier {
	if !cfg.AI.Enabled {
		return nil
	}
	policy := scorer.Policy{
		Timeout:        cfg.AITimeout(),
		MaxAttempts:    cfg.AI.MaxAttempts,
		InitialBackoff: cfg.AIInitialBackoff(),
	}
	client := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, client, cfg.Ollama.Model, progress); err != nil {
		slog.Warn("AI scoring unavailable, classifying with rules only", "error", err)
		return scorer.NewRetrier(scorer.Disabled{}, policy)
	}
	return scorer.NewRetrier(scorer.NewOllama(client, cfg.Ollama.Model), policy)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// compileRules loads the configured rules file and compiles it, logging
// every rule that was skipped.
func compileRules(cfg config.Config) (*rules.RuleSet, error) {
	f, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}
	rs := rules.Compile(f)
	for _, w := range rs.Warnings {
		slog.Warn("rule skipped", "rule_id", w.RuleID, "reason", w.Reason)
	}
	return rs, nil
}

// reloadRules swaps a freshly compiled rule set into the classifier. On
// error the current rules stay in effect.
func (a *app) reloadRules() error {
	rs, err := compileRules(a.cfg)
	if err != nil {
		return err
	}
	a.classifier.SetRules(rs)
	slog.Info("rules reloaded", "rules", len(rs.Rules), "skipped", len(rs.Warnings))
	return nil
}

func loadRules(cfg config.Config) (rules.File, error) {
	return rules.LoadWithRecency(cfg.Rules.Path, rules.Recency{
		UrgentWithin: time.Duration(cfg.Urgency.RecentHours) * time.Hour,
		MediumWithin: time.Duration(cfg.Urgency.MediumHours) * time.Hour,
	})
}
