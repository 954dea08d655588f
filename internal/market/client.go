// Package market wraps the web-search provider that returns marketplace
// comparables for a free-text query.
package market

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/resaleops/scanpipe/internal/scan"
)

const ApiBaseUrl = "https://api.marketsearch.dev/v1"

// Searcher is the provider boundary: one query in, comparable listings out.
type Searcher interface {
	Search(ctx context.Context, query string) ([]scan.Listing, error)
}

type ClientOpts struct {
	BaseURL string
	APIKey  string
}

// Client talks to the hosted listing-search provider.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	apiKey     string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: ApiBaseUrl}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	c.apiKey = opts.APIKey
	c.httpClient = resty.New().
		SetBaseURL(c.baseURL).
		SetHeaders(map[string]string{
			"Accept":     "application/json",
			"User-Agent": "scanpipe/1.0",
		})

	return &c
}

type searchResponse struct {
	Results []listingDoc `json:"results"`
}

type listingDoc struct {
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Platform string  `json:"platform"`
	URL      string  `json:"url"`
	Sold     bool    `json:"sold"`
}

// Search runs one provider query. Provider errors surface as
// scan.ErrProviderUnavailable; the caller decides whether to continue with
// the next query.
func (c *Client) Search(ctx context.Context, query string) ([]scan.Listing, error) {
	result := &searchResponse{}
	res, err := c.req(ctx, result).
		SetQueryParam("q", query).
		Get("/listings/search")
	if _, err = handleError(res, err); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrProviderUnavailable, err)
	}

	listings := make([]scan.Listing, 0, len(result.Results))
	for _, doc := range result.Results {
		// Every listing must carry a price, currency, platform and source
		// URL; anything less is unusable for pricing.
		if doc.Price <= 0 || doc.Currency == "" || doc.Platform == "" || doc.URL == "" {
			continue
		}
		listings = append(listings, scan.Listing{
			Title:    doc.Title,
			Price:    doc.Price,
			Currency: doc.Currency,
			Platform: doc.Platform,
			URL:      doc.URL,
			Sold:     doc.Sold,
		})
	}
	return listings, nil
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx)

	if c.apiKey != "" {
		request.SetHeader("Authorization", "Bearer "+c.apiKey)
	}
	if result != nil {
		request.SetResult(result)
	}

	return request
}

// handleError is a generic error handler for failing responses (>399 status
// code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}

	return res, nil
}
