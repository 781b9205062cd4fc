package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// SearchRequest is the normalized request shape for a managed web-search
// call; there is no BYOK path for search, per SPEC_FULL.md §4.G (search is
// always billed to the managed account).
type SearchRequest struct {
	Query      string
	MaxResults int
}

// SearchResult is one hit.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse carries the metered query count (always 1) alongside the
// results, so the caller can feed it into the rate card's "queries" unit.
type SearchResponse struct {
	Results    []SearchResult
	QueryCount int64
}

// SearchProvider is satisfied by managedSearch.
type SearchProvider interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// managedSearch calls a hosted web-search API over plain HTTP. No example
// in this retrieval pack exercises a specific search vendor's SDK, so this
// adapter speaks a minimal JSON-over-HTTP contract (query in, results out)
// against an operator-supplied endpoint, the same "thin adapter over an
// http.Client" shape pkg/dispatcher's invokeOverProxy already uses for
// endpoint-kind agents.
type managedSearch struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewManagedSearchProvider builds a SearchProvider against a hosted search
// endpoint, using apiKey as a bearer token.
func NewManagedSearchProvider(endpoint, apiKey string, httpClient *http.Client) SearchProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &managedSearch{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

type searchRequestBody struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponseBody struct {
	Results []SearchResult `json:"results"`
}

func (p *managedSearch) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "managed_search.Search")
	defer span.End()
	span.SetAttributes(attribute.String("search.query", req.Query))

	payload, err := json.Marshal(searchRequestBody{Query: req.Query, MaxResults: req.MaxResults})
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "encode search request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "build search request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, err, "search request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, rterrors.New(rterrors.CategoryUpstream, rterrors.CodeProviderError, "search provider returned non-2xx status")
	}

	var body searchResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "decode search response")
	}

	return &SearchResponse{Results: body.Results, QueryCount: 1}, nil
}
