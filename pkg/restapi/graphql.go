package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pnwsync/pnwsync/pkg/models"
)

// graphQLRoots maps a kind to its GraphQL listing field.
var graphQLRoots = map[models.Kind]string{
	models.KindNation:   "nations",
	models.KindAlliance: "alliances",
	models.KindCity:     "cities",
	models.KindWar:      "wars",
}

// PaginatorInfo is the page cursor of a listing response.
type PaginatorInfo struct {
	Count        int  `json:"count"`
	HasMorePages bool `json:"hasMorePages"`
}

// Page is one page of a GraphQL listing.
type Page struct {
	Data          []json.RawMessage `json:"data"`
	PaginatorInfo PaginatorInfo     `json:"paginatorInfo"`
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// buildListingQuery renders the fixed query for one page of a kind's
// listing, optionally filtered to an id set. The selection is the kind's
// upstream field list, which the API shares between GraphQL and the
// subscribe include parameter.
func buildListingQuery(kind models.Kind, ids []int64, page, pageSize int) (string, error) {
	root, ok := graphQLRoots[kind]
	if !ok {
		return "", fmt.Errorf("kind %q has no GraphQL listing", kind)
	}
	fields, err := models.IncludeFields(kind)
	if err != nil {
		return "", err
	}

	var filter string
	if len(ids) > 0 {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		filter = fmt.Sprintf(", id: [%s]", strings.Join(parts, ", "))
	}

	return fmt.Sprintf(
		"{ %s(first: %d, page: %d%s) { data { %s } paginatorInfo { count hasMorePages } } }",
		root, pageSize, page, filter, strings.Join(fields, " "),
	), nil
}

// QueryPage fetches one listing page.
func (c *Client) QueryPage(ctx context.Context, kind models.Kind, ids []int64, page int) (*Page, error) {
	query, err := buildListingQuery(kind, ids, page, c.pageSize)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/graphql?api_key=%s", c.baseURL, url.QueryEscape(c.apiKey))
	header := http.Header{"Content-Type": []string{"application/json"}}
	if c.botKey != "" {
		header.Set("X-Bot-Key", c.botKey)
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, body, header)
	if err != nil {
		return nil, fmt.Errorf("querying %s page %d: %w", kind, page, err)
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("querying %s page %d: %w", kind, page, err)
	}

	var envelope struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []graphQLError             `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding %s page %d: %w", kind, page, err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("querying %s page %d: %s", kind, page, envelope.Errors[0].Message)
	}

	root := graphQLRoots[kind]
	listing, ok := envelope.Data[root]
	if !ok {
		return nil, fmt.Errorf("querying %s page %d: missing %q in response", kind, page, root)
	}
	var p Page
	if err := json.Unmarshal(listing, &p); err != nil {
		return nil, fmt.Errorf("decoding %s page %d: %w", kind, page, err)
	}
	return &p, nil
}

// FetchAll streams every page of a kind's listing, fetching batches of
// pages concurrently and returning records in page order. An empty ids
// slice means the whole table.
func (c *Client) FetchAll(ctx context.Context, kind models.Kind, ids []int64) ([]json.RawMessage, error) {
	var out []json.RawMessage
	page := 1
	for {
		pages := make([]*Page, c.batchSize)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < c.batchSize; i++ {
			i := i
			p := page + i
			g.Go(func() error {
				fetched, err := c.QueryPage(gctx, kind, ids, p)
				if err != nil {
					return err
				}
				pages[i] = fetched
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, p := range pages {
			out = append(out, p.Data...)
			if !p.PaginatorInfo.HasMorePages {
				return out, nil
			}
		}
		page += c.batchSize
	}
}

// FetchOne looks a single record up by id, nil when absent upstream.
func (c *Client) FetchOne(ctx context.Context, kind models.Kind, id int64) (json.RawMessage, error) {
	p, err := c.QueryPage(ctx, kind, []int64{id}, 1)
	if err != nil {
		return nil, err
	}
	if len(p.Data) == 0 {
		return nil, nil
	}
	return p.Data[0], nil
}
