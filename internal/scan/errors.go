package scan

import "errors"

// Stage and pipeline error kinds. Callers inspect these with errors.Is;
// wrapped variants carry provider detail.
var (
	// ErrAnalysisFailed marks a single image whose analysis failed. Non-fatal
	// for the run unless every image fails.
	ErrAnalysisFailed = errors.New("analysis failed")

	// ErrNoUsableAnalysis is returned by the merger for an empty input list.
	ErrNoUsableAnalysis = errors.New("no usable analysis")

	// ErrAllImagesFailed ends a run when no image produced an analysis.
	ErrAllImagesFailed = errors.New("all images failed analysis")

	// ErrResearchUnavailable means every research query failed. The run fails
	// but can be resumed from the research stage.
	ErrResearchUnavailable = errors.New("research unavailable")

	// ErrRefinementFailed marks a failed AI synthesis call. Two in a row
	// trigger the statistical fallback.
	ErrRefinementFailed = errors.New("refinement failed")

	// ErrProviderUnavailable is the search provider boundary error.
	ErrProviderUnavailable = errors.New("provider unavailable")
)
