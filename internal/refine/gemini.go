package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/resaleops/scanpipe/internal/scan"
)

const geminiModel = "gemini-3-flash-preview"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.50
	geminiOutputPricePerMillion = 3.00
)

var synthesisPrompt = strings.TrimSpace(dedent.Dedent(`
	You are pricing a secondhand clothing item for resale.

	Item details extracted from photos:
	%s

	Market research (comparable listings):
	%s

	Based on the item's brand, condition, era and the comparable prices,
	recommend a selling price range. Weigh sold listings over active asking
	prices. Account for the condition grade when positioning within the range.

	Return:
	- low, high, recommended: the price range, low <= recommended <= high
	- currency: ISO currency code matching the comparables
	- confidence: 0.0 to 1.0, how well the comparables support the range
	- demand: one of "high", "medium", "low", "unknown"
	- market_activity: one of "active", "moderate", "quiet", "none"
	- reasoning: one or two sentences explaining the recommendation`))

// synthesisSchema constrains the model to the findings shape so the response
// is always parseable JSON.
var synthesisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"low":             {Type: genai.TypeNumber},
		"high":            {Type: genai.TypeNumber},
		"recommended":     {Type: genai.TypeNumber},
		"currency":        {Type: genai.TypeString},
		"confidence":      {Type: genai.TypeNumber},
		"demand":          {Type: genai.TypeString},
		"market_activity": {Type: genai.TypeString},
		"reasoning":       {Type: genai.TypeString},
	},
	Required: []string{"low", "high", "recommended", "currency", "confidence"},
}

// GeminiSynthesizer produces refined findings with the Gemini API.
type GeminiSynthesizer struct {
	client *genai.Client
}

// NewGeminiSynthesizer creates a Gemini-backed synthesizer.
// It uses the GEMINI_API_KEY environment variable for authentication.
func NewGeminiSynthesizer(ctx context.Context) (*GeminiSynthesizer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiSynthesizer{client: client}, nil
}

// Synthesize implements the Synthesizer interface using Gemini.
func (g *GeminiSynthesizer) Synthesize(ctx context.Context, extracted *scan.ExtractedData, research *scan.ResearchResults) (*scan.RefinedFindings, Usage, error) {
	extractedJSON, err := json.MarshalIndent(extracted, "", "  ")
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to marshal extraction: %w", err)
	}
	researchJSON, err := json.MarshalIndent(summarizeResearch(research), "", "  ")
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to marshal research: %w", err)
	}

	prompt := fmt.Sprintf(synthesisPrompt, extractedJSON, researchJSON)

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   synthesisSchema,
	}

	result, err := g.client.Models.GenerateContent(ctx, geminiModel, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}, config)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("%w: %v", scan.ErrRefinementFailed, err)
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, Usage{}, fmt.Errorf("%w: empty response from gemini", scan.ErrRefinementFailed)
	}

	var resp struct {
		Low            float64 `json:"low"`
		High           float64 `json:"high"`
		Recommended    float64 `json:"recommended"`
		Currency       string  `json:"currency"`
		Confidence     float64 `json:"confidence"`
		Demand         string  `json:"demand"`
		MarketActivity string  `json:"market_activity"`
		Reasoning      string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(result.Text()), &resp); err != nil {
		return nil, Usage{}, fmt.Errorf("%w: failed to parse findings json: %v (response: %s)", scan.ErrRefinementFailed, err, result.Text())
	}

	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = float64(usage.InputTokens)/1_000_000*geminiInputPricePerMillion +
			float64(usage.OutputTokens)/1_000_000*geminiOutputPricePerMillion
	}

	log.Info().
		Str("model", geminiModel).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Float64("recommended", resp.Recommended).
		Msg("refinement llm call")

	return &scan.RefinedFindings{
		PriceRange: scan.PriceRange{
			Low:         resp.Low,
			High:        resp.High,
			Recommended: resp.Recommended,
			Currency:    resp.Currency,
		},
		Confidence:     resp.Confidence,
		Demand:         resp.Demand,
		MarketActivity: resp.MarketActivity,
		Reasoning:      resp.Reasoning,
	}, usage, nil
}

// researchSummary keeps the prompt small: listing counts and prices instead
// of full listing payloads.
type researchSummary struct {
	ActiveCount  int       `json:"active_count"`
	SoldCount    int       `json:"sold_count"`
	ActivePrices []float64 `json:"active_prices"`
	SoldPrices   []float64 `json:"sold_prices"`
	Currency     string    `json:"currency,omitempty"`
	MarketRegion string    `json:"market_region,omitempty"`
	DecodedCode  any       `json:"decoded_code,omitempty"`
}

func summarizeResearch(r *scan.ResearchResults) researchSummary {
	s := researchSummary{
		ActiveCount:  len(r.ActiveListings),
		SoldCount:    len(r.SoldListings),
		Currency:     r.Currency,
		MarketRegion: r.MarketRegion,
	}
	for _, l := range r.ActiveListings {
		s.ActivePrices = append(s.ActivePrices, l.Price)
	}
	for _, l := range r.SoldListings {
		s.SoldPrices = append(s.SoldPrices, l.Price)
	}
	if r.DecodedCode != nil {
		s.DecodedCode = r.DecodedCode
	}
	return s
}
