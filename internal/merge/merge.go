// Package merge combines per-image vision analyses into one canonical
// extraction record. Tag data wins over garment data for identity fields,
// and condition is sourced exclusively from condition close-ups.
package merge

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/resaleops/scanpipe/internal/scan"
)

// Merge combines N per-image analyses into one ExtractedData. It is pure and
// deterministic: permuting the input yields an identical result. Returns
// scan.ErrNoUsableAnalysis for an empty input.
func Merge(analyses []*scan.ImageAnalysis) (*scan.ExtractedData, error) {
	if len(analyses) == 0 {
		return nil, scan.ErrNoUsableAnalysis
	}

	byType := partition(analyses)

	out := &scan.ExtractedData{
		Provenance: map[string]string{},
	}

	// Identity fields: tag shots win, garment shots are the fallback. Within
	// a type, higher confidence wins on conflict; lower-confidence analyses
	// may still fill fields the best one left empty.
	for _, a := range sortedByConfidence(byType[scan.ImageTypeTag]) {
		t := a.Tag
		if t == nil {
			continue
		}
		setField(out.Provenance, "brand", &out.Brand, t.Brand, scan.ImageTypeTag)
		setField(out.Provenance, "style_code", &out.StyleCode, t.StyleCode, scan.ImageTypeTag)
		setField(out.Provenance, "size", &out.Size, t.Size, scan.ImageTypeTag)
		setField(out.Provenance, "care", &out.Care, t.Care, scan.ImageTypeTag)
		if len(out.Materials) == 0 && len(t.Materials) > 0 {
			out.Materials = t.Materials
			out.Provenance["materials"] = string(scan.ImageTypeTag)
		}
	}
	for _, a := range sortedByConfidence(byType[scan.ImageTypeGarment]) {
		g := a.Garment
		if g == nil {
			continue
		}
		setField(out.Provenance, "brand", &out.Brand, g.Brand, scan.ImageTypeGarment)
		setField(out.Provenance, "size", &out.Size, g.Size, scan.ImageTypeGarment)

		// Visual fields come from garment shots only.
		setField(out.Provenance, "style", &out.Style, g.Style, scan.ImageTypeGarment)
		setField(out.Provenance, "category", &out.Category, g.Category, scan.ImageTypeGarment)
		setField(out.Provenance, "era", &out.Era, g.Era, scan.ImageTypeGarment)
		setField(out.Provenance, "pattern", &out.Pattern, g.Pattern, scan.ImageTypeGarment)
		setField(out.Provenance, "construction", &out.Construction, g.Construction, scan.ImageTypeGarment)
		setField(out.Provenance, "color", &out.Color, g.Color, scan.ImageTypeGarment)
	}

	// Condition comes from condition close-ups only. A tag or garment shot
	// never contributes a grade, even when it carries one.
	for _, a := range sortedByConfidence(byType[scan.ImageTypeCondition]) {
		c := a.Condition
		if c == nil {
			continue
		}
		if out.ConditionGrade == "" && c.Grade != "" {
			out.ConditionGrade = c.Grade
			out.Provenance["condition_grade"] = string(scan.ImageTypeCondition)
		}
		if len(out.ConditionIssues) == 0 {
			out.ConditionIssues = c.Issues
		}
	}

	out.ImageTypes = distinctTypes(analyses)
	out.SearchTerms = buildSearchTerms(out)

	return out, nil
}

// partition groups analyses by their inferred image type.
func partition(analyses []*scan.ImageAnalysis) map[scan.ImageType][]*scan.ImageAnalysis {
	byType := make(map[scan.ImageType][]*scan.ImageAnalysis)
	for _, a := range analyses {
		if a == nil {
			continue
		}
		byType[a.ImageType] = append(byType[a.ImageType], a)
	}
	return byType
}

// sortedByConfidence orders analyses highest confidence first. Ties break on
// the canonical JSON encoding so the result does not depend on input order.
func sortedByConfidence(analyses []*scan.ImageAnalysis) []*scan.ImageAnalysis {
	sorted := make([]*scan.ImageAnalysis, len(analyses))
	copy(sorted, analyses)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return canonical(sorted[i]) < canonical(sorted[j])
	})
	return sorted
}

func canonical(a *scan.ImageAnalysis) string {
	b, _ := json.Marshal(a)
	return string(b)
}

// setField assigns value to dst only when dst is still empty and the value is
// non-empty, recording which image type sourced it.
func setField(prov map[string]string, name string, dst *string, value string, src scan.ImageType) {
	if *dst != "" || strings.TrimSpace(value) == "" {
		return
	}
	*dst = strings.TrimSpace(value)
	prov[name] = string(src)
}

// distinctTypes lists every observed image type in a fixed order.
func distinctTypes(analyses []*scan.ImageAnalysis) []scan.ImageType {
	order := []scan.ImageType{
		scan.ImageTypeTag,
		scan.ImageTypeGarment,
		scan.ImageTypeCondition,
		scan.ImageTypeDetail,
		scan.ImageTypeUnknown,
	}
	seen := make(map[scan.ImageType]bool)
	for _, a := range analyses {
		if a != nil {
			seen[a.ImageType] = true
		}
	}
	var out []scan.ImageType
	for _, t := range order {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// buildSearchTerms derives an ordered, deduplicated list of research queries,
// most specific first. The research engine consumes these in order and stops
// early once a query saturates, so ordering matters.
func buildSearchTerms(d *scan.ExtractedData) []string {
	var terms []string
	add := func(parts ...string) {
		var kept []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, p)
			}
		}
		if len(kept) < 2 {
			return
		}
		terms = append(terms, strings.Join(kept, " "))
	}

	add(d.Brand, d.StyleCode)
	add(d.Brand, d.Style, d.Era)
	add(d.Brand, d.Style)
	add(d.Brand, d.Category, d.Era)
	add(d.Brand, d.Category)
	add(d.Style, d.Era)
	add(d.Brand, d.Color, d.Category)

	// Single-word fallbacks when the merge produced almost nothing.
	if len(terms) == 0 {
		for _, t := range []string{strings.TrimSpace(d.Brand), strings.TrimSpace(d.Style), strings.TrimSpace(d.Category)} {
			if t != "" {
				terms = append(terms, t)
			}
		}
	}

	return dedupe(terms)
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range terms {
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
