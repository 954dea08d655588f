package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/resaleops/scanpipe/config"
	"github.com/resaleops/scanpipe/internal/market"
	"github.com/resaleops/scanpipe/internal/pipeline"
	"github.com/resaleops/scanpipe/internal/poller"
	"github.com/resaleops/scanpipe/internal/refine"
	"github.com/resaleops/scanpipe/internal/research"
	"github.com/resaleops/scanpipe/internal/storage"
	"github.com/resaleops/scanpipe/internal/vision"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()

	if os.Getenv("GEMINI_API_KEY") == "" {
		log.Fatal().Msg("GEMINI_API_KEY is not set")
	}

	dbPath := config.String("SCANPIPE_DB_PATH", "scanpipe.db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()
	log.Info().Str("dbPath", dbPath).Msg("store initialized")

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	analyzer, err := buildAnalyzer(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vision analyzer")
	}

	searcher := market.NewClient(market.ClientOpts{
		BaseURL: os.Getenv("MARKET_SEARCH_BASE_URL"),
		APIKey:  os.Getenv("MARKET_SEARCH_API_KEY"),
	})

	researchEngine := research.NewEngine(searcher, store, research.Config{
		SnapshotTTL: config.Duration("RESEARCH_CACHE_TTL", 72*time.Hour),
		MinListings: config.Int("RESEARCH_MIN_LISTINGS", 8),
	})

	synthesizer, err := refine.NewGeminiSynthesizer(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize refinement synthesizer")
	}
	refineEngine := refine.NewEngine(synthesizer, refine.DefaultConfig())

	orchestrator := pipeline.New(
		store,
		analyzer,
		researchEngine,
		refineEngine,
		pipeline.NewImageFetcher(),
		pipeline.DefaultConfig(),
	)

	g, ctx := errgroup.WithContext(ctx)

	pollerService := poller.NewService(store, orchestrator)
	g.Go(func() error {
		pollerService.Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

// buildAnalyzer selects the vision provider. Gemini is the default; OpenAI
// is selected with VISION_PROVIDER=openai.
func buildAnalyzer(ctx context.Context) (vision.Analyzer, error) {
	switch config.String("VISION_PROVIDER", vision.ProviderGemini) {
	case vision.ProviderOpenAI:
		log.Info().Msg("using openai vision analyzer")
		return vision.NewOpenAIAnalyzer(), nil
	default:
		log.Info().Msg("using gemini vision analyzer")
		return vision.NewGeminiAnalyzer(ctx)
	}
}
