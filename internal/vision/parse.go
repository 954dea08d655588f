package vision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/resaleops/scanpipe/internal/scan"
)

// rawAnalysis is the JSON shape both providers are prompted to return.
type rawAnalysis struct {
	ImageType  string   `json:"image_type"`
	Confidence float64  `json:"confidence"`
	Brand      string   `json:"brand"`
	StyleCode  string   `json:"style_code"`
	Size       string   `json:"size"`
	Materials  []string `json:"materials"`
	Care       string   `json:"care"`
	Origin     string   `json:"origin"`
	Style      string   `json:"style"`
	Category   string   `json:"category"`
	Era        string   `json:"era"`
	Pattern    string   `json:"pattern"`
	Construct  string   `json:"construction"`
	Color      string   `json:"color"`
	Grade      string   `json:"condition_grade"`
	Issues     []string `json:"condition_issues"`
}

// parseAnalysis cleans up a model response and converts it to a typed
// ImageAnalysis. Markdown code fences are stripped first.
func parseAnalysis(text string) (*scan.ImageAnalysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, text)
	}

	analysis := &scan.ImageAnalysis{
		ImageType:  scan.ParseImageType(raw.ImageType),
		Confidence: clamp01(raw.Confidence),
	}

	switch analysis.ImageType {
	case scan.ImageTypeTag:
		analysis.Tag = &scan.TagFields{
			Brand:     raw.Brand,
			StyleCode: raw.StyleCode,
			Size:      raw.Size,
			Materials: parseMaterials(raw.Materials),
			Care:      raw.Care,
			Origin:    raw.Origin,
		}
	case scan.ImageTypeCondition:
		analysis.Condition = &scan.ConditionFields{
			Grade:  raw.Grade,
			Issues: raw.Issues,
		}
	default:
		// garment, detail and unknown shots all report garment-level fields
		analysis.Garment = &scan.GarmentFields{
			Brand:        raw.Brand,
			Style:        raw.Style,
			Category:     raw.Category,
			Era:          raw.Era,
			Pattern:      raw.Pattern,
			Construction: raw.Construct,
			Color:        raw.Color,
			Size:         raw.Size,
		}
	}

	return analysis, nil
}

// parseMaterials parses strings like "80% cotton" into structured parts.
// Entries without a leading percentage keep Percent zero.
func parseMaterials(parts []string) []scan.MaterialPart {
	var out []scan.MaterialPart
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var pct int
		var name string
		if n, err := fmt.Sscanf(p, "%d%% %s", &pct, &name); err == nil && n == 2 {
			// Sscanf stops at whitespace; keep the full remainder as the name
			idx := strings.Index(p, "%")
			name = strings.TrimSpace(p[idx+1:])
			out = append(out, scan.MaterialPart{Material: strings.ToLower(name), Percent: pct})
			continue
		}
		out = append(out, scan.MaterialPart{Material: strings.ToLower(p)})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
