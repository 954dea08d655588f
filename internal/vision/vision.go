package vision

import (
	"context"

	"github.com/resaleops/scanpipe/internal/scan"
)

// Usage contains token usage and cost information for one model call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Result is one image's analysis plus usage accounting.
type Result struct {
	Analysis *scan.ImageAnalysis
	Provider string
	Usage    Usage
}

// Analyzer can classify and analyze a single clothing photo.
// Hints are low-confidence on-device OCR fragments used only to bias the
// prompt, never taken as authoritative.
type Analyzer interface {
	Analyze(ctx context.Context, imageData []byte, mimeType string, hints []string) (*Result, error)
}

// Provider names used in audit rows and strategy selection.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)
