package scan

import (
	"time"
)

// Status is the lifecycle state of a scan. Transitions are driven only by
// the pipeline orchestrator.
type Status string

const (
	StatusUploaded    Status = "uploaded"
	StatusExtracting  Status = "extracting"
	StatusResearching Status = "researching"
	StatusRefining    Status = "refining"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s
// (other than an explicit resume re-entering a non-terminal state).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransitions lists the allowed edges of the status machine.
var legalTransitions = map[Status][]Status{
	StatusUploaded:    {StatusExtracting, StatusFailed},
	StatusExtracting:  {StatusResearching, StatusFailed},
	StatusResearching: {StatusRefining, StatusFailed},
	StatusRefining:    {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage identifies one of the three pipeline stages.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageResearch   Stage = "research"
	StageRefinement Stage = "refinement"
)

// ImageType classifies what a photo shows. It is inferred once by the vision
// analyzer and is authoritative for merge precedence.
type ImageType string

const (
	ImageTypeTag       ImageType = "tag"
	ImageTypeGarment   ImageType = "garment"
	ImageTypeCondition ImageType = "condition"
	ImageTypeDetail    ImageType = "detail"
	ImageTypeUnknown   ImageType = "unknown"
)

// ParseImageType maps a raw string to a known ImageType, defaulting to unknown.
func ParseImageType(s string) ImageType {
	switch ImageType(s) {
	case ImageTypeTag, ImageTypeGarment, ImageTypeCondition, ImageTypeDetail:
		return ImageType(s)
	default:
		return ImageTypeUnknown
	}
}

// Scan is one reselling item under analysis.
type Scan struct {
	ID           string
	UserID       string
	Status       Status
	ErrorMessage string

	Extracted *ExtractedData
	Research  *ResearchResults
	Findings  *RefinedFindings

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Image is one photograph belonging to a scan.
type Image struct {
	ID        string
	ScanID    string
	BlobRef   string
	ImageType ImageType
	Analysis  *ImageAnalysis
	Processed bool
	Error     string
	CreatedAt time.Time
}

// ImageAnalysis is the structured result of analyzing a single photo.
type ImageAnalysis struct {
	ImageType  ImageType        `json:"image_type"`
	Confidence float64          `json:"confidence"`
	Tag        *TagFields       `json:"tag,omitempty"`
	Garment    *GarmentFields   `json:"garment,omitempty"`
	Condition  *ConditionFields `json:"condition,omitempty"`
}

// TagFields holds what can be read from a care/brand tag photo.
type TagFields struct {
	Brand     string         `json:"brand,omitempty"`
	StyleCode string         `json:"style_code,omitempty"`
	Size      string         `json:"size,omitempty"`
	Materials []MaterialPart `json:"materials,omitempty"`
	Care      string         `json:"care,omitempty"`
	Origin    string         `json:"origin,omitempty"`
}

// GarmentFields holds what a full-garment photo shows.
type GarmentFields struct {
	Brand        string `json:"brand,omitempty"`
	Style        string `json:"style,omitempty"`
	Category     string `json:"category,omitempty"`
	Era          string `json:"era,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	Construction string `json:"construction,omitempty"`
	Color        string `json:"color,omitempty"`
	Size         string `json:"size,omitempty"`
}

// ConditionFields holds wear/damage assessment from a close-up photo.
type ConditionFields struct {
	Grade  string   `json:"grade,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

// MaterialPart is one component of a fabric composition, e.g. 80% cotton.
type MaterialPart struct {
	Material string `json:"material"`
	Percent  int    `json:"percent,omitempty"`
}

// ExtractedData is the canonical merged view across all analyzed images.
type ExtractedData struct {
	Brand           string            `json:"brand,omitempty"`
	StyleCode       string            `json:"style_code,omitempty"`
	StyleName       string            `json:"style_name,omitempty"`
	Size            string            `json:"size,omitempty"`
	Materials       []MaterialPart    `json:"materials,omitempty"`
	Care            string            `json:"care,omitempty"`
	Era             string            `json:"era,omitempty"`
	Style           string            `json:"style,omitempty"`
	Category        string            `json:"category,omitempty"`
	Pattern         string            `json:"pattern,omitempty"`
	Construction    string            `json:"construction,omitempty"`
	Color           string            `json:"color,omitempty"`
	ConditionGrade  string            `json:"condition_grade,omitempty"`
	ConditionIssues []string          `json:"condition_issues,omitempty"`
	ImageTypes      []ImageType       `json:"image_types"`
	SearchTerms     []string          `json:"search_terms"`
	Provenance      map[string]string `json:"provenance,omitempty"`
}

// DecodedStyleCode is structured metadata inferred from a brand-specific
// alphanumeric code via per-brand pattern rules.
type DecodedStyleCode struct {
	Brand       string  `json:"brand"`
	Code        string  `json:"code"`
	ProductLine string  `json:"product_line,omitempty"`
	Season      string  `json:"season,omitempty"`
	Year        int     `json:"year,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// ResearchResults holds market comparables gathered for a scan.
type ResearchResults struct {
	ActiveListings []Listing         `json:"active_listings"`
	SoldListings   []Listing         `json:"sold_listings"`
	MarketRegion   string            `json:"market_region,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	DecodedCode    *DecodedStyleCode `json:"decoded_code,omitempty"`
	QueriesTried   []string          `json:"queries_tried"`
	FetchedAt      time.Time         `json:"fetched_at"`
}

// Listing is one marketplace comparable. Every listing carries a price,
// currency, platform and a dereferenceable source URL.
type Listing struct {
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Platform string  `json:"platform"`
	URL      string  `json:"url"`
	Sold     bool    `json:"sold"`
}

// PriceRange is the suggested selling range. Low <= Recommended <= High.
type PriceRange struct {
	Low         float64 `json:"low"`
	High        float64 `json:"high"`
	Recommended float64 `json:"recommended"`
	Currency    string  `json:"currency"`
}

// RefinedFindings is the final synthesis of extraction and research.
type RefinedFindings struct {
	PriceRange     PriceRange `json:"price_range"`
	Confidence     float64    `json:"confidence"`
	Demand         string     `json:"demand,omitempty"`
	MarketActivity string     `json:"market_activity,omitempty"`
	Method         string     `json:"method"`
	Reasoning      string     `json:"reasoning,omitempty"`
}

// Refinement methods.
const (
	MethodAI          = "ai"
	MethodStatistical = "statistical"
)
