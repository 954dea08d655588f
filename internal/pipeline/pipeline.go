// Package pipeline drives a scan through the three analysis stages:
// per-image extraction, market research, and price refinement. It owns the
// scan status machine, persists every stage output before the next stage
// starts, and implements the partial-failure and resume policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/resaleops/scanpipe/internal/merge"
	"github.com/resaleops/scanpipe/internal/refine"
	"github.com/resaleops/scanpipe/internal/scan"
	"github.com/resaleops/scanpipe/internal/storage"
	"github.com/resaleops/scanpipe/internal/vision"
)

// Researcher is the research stage boundary.
type Researcher interface {
	Research(ctx context.Context, extracted *scan.ExtractedData) (*scan.ResearchResults, error)
}

// Refiner is the refinement stage boundary. The returned usage covers the AI
// call when one was made, and is zero for the statistical path.
type Refiner interface {
	Refine(ctx context.Context, strategy refine.Strategy, extracted *scan.ExtractedData, research *scan.ResearchResults) (*scan.RefinedFindings, refine.Usage, error)
}

// BlobFetcher resolves an image blob reference to raw bytes and a MIME type.
type BlobFetcher interface {
	Fetch(ctx context.Context, blobRef string) (data []byte, mimeType string, err error)
}

// Config holds orchestrator policy.
type Config struct {
	// AnalyzeTimeout bounds each per-image vision call.
	AnalyzeTimeout time.Duration
	// ResearchTimeout bounds the whole research stage.
	ResearchTimeout time.Duration
	// RefineTimeout bounds the whole refinement stage.
	RefineTimeout time.Duration
	// RefineStrategy selects the refinement path; refine.StrategyAI unless
	// the caller explicitly wants the statistical estimate.
	RefineStrategy refine.Strategy
}

// DefaultConfig returns sensible stage timeouts.
func DefaultConfig() Config {
	return Config{
		AnalyzeTimeout:  90 * time.Second,
		ResearchTimeout: 2 * time.Minute,
		RefineTimeout:   90 * time.Second,
		RefineStrategy:  refine.StrategyAI,
	}
}

// KnownOutputs carries already-computed stage outputs into a resume. A stage
// whose output is supplied is never re-run.
type KnownOutputs struct {
	Extracted *scan.ExtractedData
	Research  *scan.ResearchResults
}

// Orchestrator coordinates the stages for one store.
type Orchestrator struct {
	store    storage.Store
	analyzer vision.Analyzer
	research Researcher
	refiner  Refiner
	fetcher  BlobFetcher
	cfg      Config

	// group ensures only one pipeline run proceeds per scan at a time.
	group singleflight.Group
}

// New creates an orchestrator.
func New(store storage.Store, analyzer vision.Analyzer, researcher Researcher, refiner Refiner, fetcher BlobFetcher, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = def.AnalyzeTimeout
	}
	if cfg.ResearchTimeout <= 0 {
		cfg.ResearchTimeout = def.ResearchTimeout
	}
	if cfg.RefineTimeout <= 0 {
		cfg.RefineTimeout = def.RefineTimeout
	}
	if cfg.RefineStrategy == "" {
		cfg.RefineStrategy = def.RefineStrategy
	}
	return &Orchestrator{
		store:    store,
		analyzer: analyzer,
		research: researcher,
		refiner:  refiner,
		fetcher:  fetcher,
		cfg:      cfg,
	}
}

// Run executes the full pipeline for a scan. The scan and its image rows are
// created if they don't exist yet. Errors are absorbed into the scan record
// (status=failed plus a message); the returned error mirrors it for callers
// that want to inspect the kind.
func (o *Orchestrator) Run(ctx context.Context, scanID, userID string, imageRefs []string, hints []string) error {
	_, err, _ := o.group.Do(scanID, func() (any, error) {
		return nil, o.run(ctx, scanID, userID, imageRefs, hints)
	})
	return err
}

// RunAsync is the fire-and-forget trigger surface. The caller observes
// progress through the scan record.
func (o *Orchestrator) RunAsync(ctx context.Context, scanID, userID string, imageRefs []string, hints []string) {
	go func() {
		if err := o.Run(ctx, scanID, userID, imageRefs, hints); err != nil {
			log.Error().Err(err).Str("scanID", scanID).Msg("pipeline run failed")
		}
	}()
}

// Resume re-enters the state machine at fromStage, using any supplied
// upstream outputs instead of recomputing them. Missing upstream outputs are
// loaded from the scan record.
func (o *Orchestrator) Resume(ctx context.Context, scanID string, fromStage scan.Stage, known KnownOutputs) error {
	_, err, _ := o.group.Do(scanID, func() (any, error) {
		return nil, o.resume(ctx, scanID, fromStage, known)
	})
	return err
}

// ResumeAsync is the fire-and-forget resume trigger.
func (o *Orchestrator) ResumeAsync(ctx context.Context, scanID string, fromStage scan.Stage, known KnownOutputs) {
	go func() {
		if err := o.Resume(ctx, scanID, fromStage, known); err != nil {
			log.Error().Err(err).Str("scanID", scanID).Msg("pipeline resume failed")
		}
	}()
}

func (o *Orchestrator) run(ctx context.Context, scanID, userID string, imageRefs []string, hints []string) error {
	if err := o.ensureScan(scanID, userID, imageRefs); err != nil {
		return err
	}

	extracted, err := o.runExtraction(ctx, scanID, hints)
	if err != nil {
		return err
	}

	research, err := o.runResearch(ctx, scanID, extracted)
	if err != nil {
		return err
	}

	return o.runRefinement(ctx, scanID, extracted, research)
}

func (o *Orchestrator) resume(ctx context.Context, scanID string, fromStage scan.Stage, known KnownOutputs) error {
	sc, err := o.store.GetScan(scanID)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("scan %s not found", scanID)
	}

	extracted := known.Extracted
	if extracted == nil {
		extracted = sc.Extracted
	}
	research := known.Research
	if research == nil {
		research = sc.Research
	}

	switch fromStage {
	case scan.StageExtraction:
		// Re-enter from the top; image rows already exist.
		if err := o.store.UpdateScanStatus(scanID, scan.StatusUploaded, ""); err != nil {
			return err
		}
		extracted, err = o.runExtraction(ctx, scanID, nil)
		if err != nil {
			return err
		}
		fallthrough

	case scan.StageResearch:
		if fromStage == scan.StageResearch {
			if extracted == nil {
				return fmt.Errorf("cannot resume from research without extracted data")
			}
			if err := o.reenter(scanID, scan.StatusExtracting); err != nil {
				return err
			}
		}
		research, err = o.runResearch(ctx, scanID, extracted)
		if err != nil {
			return err
		}
		fallthrough

	case scan.StageRefinement:
		if fromStage == scan.StageRefinement {
			if extracted == nil || research == nil {
				return fmt.Errorf("cannot resume from refinement without extracted data and research")
			}
			if err := o.reenter(scanID, scan.StatusResearching); err != nil {
				return err
			}
		}
		return o.runRefinement(ctx, scanID, extracted, research)

	default:
		return fmt.Errorf("unknown stage %q", fromStage)
	}
}

// reenter moves a failed scan back to the non-terminal state preceding the
// stage being resumed, so the normal transitions apply from there.
func (o *Orchestrator) reenter(scanID string, status scan.Status) error {
	return o.store.UpdateScanStatus(scanID, status, "")
}

// ensureScan creates the scan and image rows on first contact.
func (o *Orchestrator) ensureScan(scanID, userID string, imageRefs []string) error {
	sc, err := o.store.GetScan(scanID)
	if err != nil {
		return err
	}
	if sc == nil {
		if len(imageRefs) == 0 {
			return fmt.Errorf("scan %s has no images", scanID)
		}
		if err := o.store.CreateScan(&scan.Scan{
			ID:     scanID,
			UserID: userID,
			Status: scan.StatusUploaded,
		}); err != nil {
			return err
		}
		for _, ref := range imageRefs {
			if err := o.store.CreateImage(&scan.Image{
				ID:      uuid.NewString(),
				ScanID:  scanID,
				BlobRef: ref,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// transition advances the scan's status after verifying the edge is legal.
func (o *Orchestrator) transition(scanID string, to scan.Status) error {
	sc, err := o.store.GetScan(scanID)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("scan %s not found", scanID)
	}
	if !scan.CanTransition(sc.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s for scan %s", sc.Status, to, scanID)
	}
	return o.store.UpdateScanStatus(scanID, to, "")
}

// fail marks the scan failed with a human-readable message and returns err.
func (o *Orchestrator) fail(scanID string, err error) error {
	if uerr := o.store.UpdateScanStatus(scanID, scan.StatusFailed, err.Error()); uerr != nil {
		log.Error().Err(uerr).Str("scanID", scanID).Msg("failed to record scan failure")
	}
	log.Warn().Err(err).Str("scanID", scanID).Msg("scan failed")
	return err
}

// imageOutcome is one image's analysis attempt, success or failure.
type imageOutcome struct {
	image  scan.Image
	result *vision.Result
	err    error
}

// runExtraction fans out one vision call per image, waits for all of them at
// the merge barrier, and persists the merged extraction. Per-image failures
// are recorded on the image row and excluded from the merge; the stage fails
// only when no image succeeds.
func (o *Orchestrator) runExtraction(ctx context.Context, scanID string, hints []string) (*scan.ExtractedData, error) {
	if err := o.transition(scanID, scan.StatusExtracting); err != nil {
		return nil, err
	}

	images, err := o.store.GetImages(scanID)
	if err != nil {
		return nil, o.fail(scanID, err)
	}
	if len(images) == 0 {
		return nil, o.fail(scanID, scan.ErrAllImagesFailed)
	}

	started := time.Now()
	outcomes := make([]imageOutcome, len(images))

	// Analyses are independent; failures are collected, not propagated, so
	// the group never cancels siblings.
	g := new(errgroup.Group)
	for i := range images {
		g.Go(func() error {
			outcomes[i] = o.analyzeOne(ctx, images[i], hints)
			return nil
		})
	}
	g.Wait()

	var analyses []*scan.ImageAnalysis
	var totalUsage vision.Usage
	provider := ""
	for _, out := range outcomes {
		if out.err != nil {
			if serr := o.store.SetImageError(out.image.ID, out.err.Error()); serr != nil {
				log.Error().Err(serr).Str("imageID", out.image.ID).Msg("failed to record image error")
			}
			continue
		}
		if serr := o.store.SetImageAnalysis(out.image.ID, out.result.Analysis); serr != nil {
			log.Error().Err(serr).Str("imageID", out.image.ID).Msg("failed to record image analysis")
		}
		analyses = append(analyses, out.result.Analysis)
		totalUsage.InputTokens += out.result.Usage.InputTokens
		totalUsage.OutputTokens += out.result.Usage.OutputTokens
		totalUsage.CostUSD += out.result.Usage.CostUSD
		provider = out.result.Provider
	}

	o.audit(scanID, scan.StageExtraction, provider, started, len(analyses) > 0, firstError(outcomes), totalUsage.InputTokens, totalUsage.OutputTokens, totalUsage.CostUSD)

	if len(analyses) == 0 {
		return nil, o.fail(scanID, scan.ErrAllImagesFailed)
	}

	extracted, err := merge.Merge(analyses)
	if err != nil {
		return nil, o.fail(scanID, err)
	}
	if err := o.store.SaveExtracted(scanID, extracted); err != nil {
		return nil, o.fail(scanID, err)
	}

	log.Info().
		Str("scanID", scanID).
		Int("images", len(images)).
		Int("analyzed", len(analyses)).
		Str("brand", extracted.Brand).
		Msg("extraction complete")

	return extracted, nil
}

// analyzeOne runs a single bounded vision call.
func (o *Orchestrator) analyzeOne(ctx context.Context, img scan.Image, hints []string) imageOutcome {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AnalyzeTimeout)
	defer cancel()

	data, mimeType, err := o.fetcher.Fetch(actx, img.BlobRef)
	if err != nil {
		return imageOutcome{image: img, err: fmt.Errorf("%w: fetch %s: %v", scan.ErrAnalysisFailed, img.BlobRef, err)}
	}

	result, err := o.analyzer.Analyze(actx, data, mimeType, hints)
	if err != nil {
		return imageOutcome{image: img, err: err}
	}
	return imageOutcome{image: img, result: result}
}

// runResearch invokes the research engine on the merged extraction and
// persists the result. A ResearchUnavailable failure leaves the scan failed
// but resumable from the research stage.
func (o *Orchestrator) runResearch(ctx context.Context, scanID string, extracted *scan.ExtractedData) (*scan.ResearchResults, error) {
	if err := o.transition(scanID, scan.StatusResearching); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.ResearchTimeout)
	defer cancel()

	started := time.Now()
	results, err := o.research.Research(rctx, extracted)
	o.audit(scanID, scan.StageResearch, "market-search", started, err == nil, err, 0, 0, 0)
	if err != nil {
		return nil, o.fail(scanID, err)
	}

	if err := o.store.SaveResearch(scanID, results); err != nil {
		return nil, o.fail(scanID, err)
	}

	log.Info().
		Str("scanID", scanID).
		Int("active", len(results.ActiveListings)).
		Int("sold", len(results.SoldListings)).
		Str("currency", results.Currency).
		Msg("research complete")

	return results, nil
}

// runRefinement invokes the refinement engine and completes the scan.
func (o *Orchestrator) runRefinement(ctx context.Context, scanID string, extracted *scan.ExtractedData, research *scan.ResearchResults) error {
	if err := o.transition(scanID, scan.StatusRefining); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RefineTimeout)
	defer cancel()

	started := time.Now()
	findings, usage, err := o.refiner.Refine(rctx, o.cfg.RefineStrategy, extracted, research)

	provider := ""
	if findings != nil {
		provider = findings.Method
	}
	o.audit(scanID, scan.StageRefinement, provider, started, err == nil, err, usage.InputTokens, usage.OutputTokens, usage.CostUSD)

	if err != nil {
		return o.fail(scanID, err)
	}

	if err := o.store.SaveFindings(scanID, findings); err != nil {
		return o.fail(scanID, err)
	}
	if err := o.transition(scanID, scan.StatusCompleted); err != nil {
		return err
	}

	log.Info().
		Str("scanID", scanID).
		Float64("low", findings.PriceRange.Low).
		Float64("recommended", findings.PriceRange.Recommended).
		Float64("high", findings.PriceRange.High).
		Str("method", findings.Method).
		Msg("scan completed")

	return nil
}

// audit appends one stage invocation to the append-only run log. Audit
// failures are logged, never propagated: the log is for observability, not
// control flow.
func (o *Orchestrator) audit(scanID string, stage scan.Stage, provider string, started time.Time, success bool, err error, inTokens, outTokens int64, costUSD float64) {
	run := &storage.PipelineRun{
		ID:           uuid.NewString(),
		ScanID:       scanID,
		Stage:        stage,
		Provider:     provider,
		DurationMs:   time.Since(started).Milliseconds(),
		Success:      success,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostUSD:      costUSD,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if aerr := o.store.AppendPipelineRun(run); aerr != nil {
		log.Error().Err(aerr).Str("scanID", scanID).Str("stage", string(stage)).Msg("failed to append pipeline run")
	}
}

func firstError(outcomes []imageOutcome) error {
	var errs []error
	for _, out := range outcomes {
		if out.err != nil {
			errs = append(errs, out.err)
		}
	}
	return errors.Join(errs...)
}
