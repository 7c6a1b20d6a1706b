package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/mail-unsubscriber/internal/agent"
	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/config"
	"github.com/polzovatel/mail-unsubscriber/internal/extract"
	"github.com/polzovatel/mail-unsubscriber/internal/llm"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
	"github.com/polzovatel/mail-unsubscriber/internal/stats"
	"github.com/polzovatel/mail-unsubscriber/internal/strategy"
)

type cliOptions struct {
	files      []string
	userEmail  string
	timeout    time.Duration
	noClassify bool
	showStats  bool
	debug      bool
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()
	if len(opts.files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: unsubscribe [flags] message.eml [more.eml ...]   (use - for stdin)")
		flag.PrintDefaults()
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if opts.timeout > 0 {
		cfg.RequestTimeout = opts.timeout
	}

	reqs := make([]agent.Request, 0, len(opts.files))
	for _, path := range opts.files {
		req, err := readEML(path, opts.userEmail)
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("parse email")
		}
		reqs = append(reqs, req)
	}

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.LLMProvider).Msg("llm unavailable; running without llm tiers")
		llmClient = nil
	} else if llmClient != nil {
		log.Debug().Str("provider", cfg.LLMProvider).Str("model", llmClient.Name()).Msg("llm ready")
	}
	llmClient = llm.WithTimeout(llmClient, cfg.LLMTimeout)

	driver := browser.NewPlaywrightDriver(browser.Options{
		Headless:          cfg.Headless,
		UserAgent:         cfg.UserAgent,
		ViewportWidth:     cfg.ViewportWidth,
		ViewportHeight:    cfg.ViewportHeight,
		NavTimeout:        cfg.PageLoadTimeout,
		ActionTimeout:     cfg.ElementTimeout,
		BlockHeavyContent: cfg.BlockHeavyContent,
	})
	pool := browser.NewPool(driver, browser.PoolConfig{
		MaxPages:      cfg.MaxPages,
		MemoryCeiling: uint64(cfg.MemoryCeilingMB) << 20,
	}, log.With().Str("comp", "browser").Logger())
	defer func() {
		if err := pool.Shutdown(); err != nil {
			log.Error().Err(err).Msg("browser shutdown")
		}
	}()

	ledger := stats.NewLedger(1000)
	var recorder stats.Recorder = ledger
	if cfg.RedisURL != "" {
		rdb, err := stats.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; statistics stay in memory")
		} else {
			defer rdb.Close()
			recorder = stats.Multi{ledger, stats.NewRedisRecorder(rdb, "", log.With().Str("comp", "stats").Logger())}
		}
	}

	var classifier agent.Classifier = agent.HeaderClassifier{}
	if opts.noClassify {
		classifier = nil
	}

	orch := agent.NewOrchestrator(agent.Config{
		LinkTimeout:    cfg.LinkTimeout,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
		IdleTimeout:    cfg.NetworkIdleTime,
		SettleDelay:    cfg.SettleDelay,
		UserAgent:      cfg.UserAgent,
		HTTPTimeout:    cfg.PageLoadTimeout,
	}, agent.Deps{
		Extractor:  extract.New(llmClient, log.With().Str("comp", "extract").Logger()),
		Oracle:     oracle.New(llmClient, cfg.ConfidenceThreshold, log.With().Str("comp", "oracle").Logger()),
		Pool:       pool,
		Planner:    strategy.NewPlanner(llmClient),
		Classifier: classifier,
		Recorder:   recorder,
	}, log.With().Str("comp", "orch").Logger())

	var results []result.AttemptResult
	if len(reqs) == 1 {
		results = []result.AttemptResult{orch.AttemptUnsubscribe(ctx, reqs[0])}
	} else {
		results = agent.NewDispatcher(orch, cfg.BatchConcurrency).AttemptAll(ctx, reqs)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	var out any = results
	if len(results) == 1 {
		out = results[0]
	}
	if err := enc.Encode(out); err != nil {
		log.Error().Err(err).Msg("write result")
	}

	if opts.showStats {
		snap := ledger.Snapshot()
		raw, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Fprintln(os.Stderr, string(raw))
	}
}

func parseFlags() cliOptions {
	user := flag.String("user-email", "", "Address to type into confirmation forms (defaults to the message's To)")
	timeout := flag.Duration("timeout", 0, "Overall time budget per email (overrides UNSUB_REQUEST_TIMEOUT)")
	noClassify := flag.Bool("no-classify", false, "Attempt unsubscribe even for mail that looks personal")
	showStats := flag.Bool("stats", false, "Print attempt statistics to stderr when done")
	debug := flag.Bool("debug", false, "Log every strategy step")
	flag.Parse()
	return cliOptions{
		files:      flag.Args(),
		userEmail:  strings.TrimSpace(*user),
		timeout:    *timeout,
		noClassify: *noClassify,
		showStats:  *showStats,
		debug:      *debug,
	}
}

func readEML(path, userEmail string) (agent.Request, error) {
	if path == "-" {
		return parseEML(os.Stdin, userEmail)
	}
	f, err := os.Open(path)
	if err != nil {
		return agent.Request{}, err
	}
	defer f.Close()
	return parseEML(f, userEmail)
}
