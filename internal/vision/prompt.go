package vision

import (
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
)

var analysisPrompt = strings.TrimSpace(dedent.Dedent(`
	Analyze this photo of a secondhand clothing item for resale research.

	First classify what the photo shows:
	- "tag": a care label, brand tag or barcode is the main subject
	- "garment": the full garment laid flat or worn
	- "condition": a close-up of wear, damage or flaws
	- "detail": a close-up of a feature (button, stitching, print)
	- "unknown": none of the above

	Respond in JSON format with these fields (omit fields you cannot read):
	- image_type: one of tag, garment, condition, detail, unknown
	- confidence: how confident you are in the classification, 0.0 to 1.0
	- brand: brand name if readable or identifiable (empty string if unknown)
	- style_code: alphanumeric style/SKU code printed on a tag
	- size: labeled size
	- materials: list of fabric composition strings like "80% cotton"
	- care: care instructions summary
	- origin: country of manufacture
	- style: garment style (e.g. "varsity jacket", "mom jeans")
	- category: broad category (e.g. "outerwear", "denim", "knitwear")
	- era: estimated era ("90s", "y2k", "modern") if visual cues support it
	- pattern: pattern or print description
	- construction: notable construction details (single stitch, union made)
	- color: primary color
	- condition_grade: one of "new", "excellent", "good", "fair", "poor"
	- condition_issues: list of visible flaws

	Only report what the photo supports. Do not guess a condition grade unless
	the photo is a condition close-up.

	Example response:
	{"image_type": "tag", "confidence": 0.92, "brand": "Ralph Lauren", "style_code": "710548506002", "size": "M", "materials": ["100% cotton"]}

	Respond ONLY with the JSON object, no markdown or other text.`))

// buildPrompt appends on-device OCR hints when present. Hints only bias the
// prompt toward text the device thought it saw.
func buildPrompt(hints []string) string {
	if len(hints) == 0 {
		return analysisPrompt
	}
	var b strings.Builder
	b.WriteString(analysisPrompt)
	b.WriteString("\n\nOn-device text recognition picked up these fragments (low confidence, verify against the image before using):\n")
	for _, h := range hints {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	return b.String()
}
