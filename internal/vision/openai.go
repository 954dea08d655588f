package vision

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog/log"

	"github.com/resaleops/scanpipe/internal/scan"
)

const openaiModel = "gpt-5.2"

// GPT-5.2 pricing (per million tokens)
const (
	openaiInputPricePerMillion  = 1.75  // $1.75 per 1M input tokens
	openaiOutputPricePerMillion = 14.00 // $14.00 per 1M output tokens
)

// OpenAIAnalyzer uses OpenAI's vision API for image analysis.
type OpenAIAnalyzer struct {
	client openai.Client
}

// NewOpenAIAnalyzer creates a new OpenAI-based analyzer.
// It uses the OPENAI_API_KEY environment variable for authentication.
func NewOpenAIAnalyzer() *OpenAIAnalyzer {
	return &OpenAIAnalyzer{client: openai.NewClient()}
}

// Analyze implements the Analyzer interface using OpenAI.
func (o *OpenAIAnalyzer) Analyze(ctx context.Context, imageData []byte, mimeType string, hints []string) (*Result, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	b64Data := base64.StdEncoding.EncodeToString(imageData)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, b64Data)

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openaiModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(buildPrompt(hints)),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrAnalysisFailed, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no response from OpenAI", scan.ErrAnalysisFailed)
	}

	analysis, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrAnalysisFailed, err)
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		CostUSD:      calculateOpenAICost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}

	log.Info().
		Str("model", openaiModel).
		Str("imageType", string(analysis.ImageType)).
		Float64("confidence", analysis.Confidence).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("vision llm call")

	return &Result{Analysis: analysis, Provider: ProviderOpenAI, Usage: usage}, nil
}

func calculateOpenAICost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * openaiInputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * openaiOutputPricePerMillion
	return inputCost + outputCost
}
