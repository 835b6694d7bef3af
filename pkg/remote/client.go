// Package remote fetches records from another geocluster-map instance over
// its HTTP API, so one engine can render data owned by a different node.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/loader"
)

const (
	networkTimeout = 20 * time.Second
	maxBody        = 32 << 20
	// DefaultPageSize is used by FetchInBounds when walking every page.
	DefaultPageSize = 5000
)

// ErrNotFound mirrors a 404 from the remote node.
var ErrNotFound = errors.New("remote record not found")

// RecordsResponse is the body of GET /api/records.
type RecordsResponse struct {
	Records []geo.SpatialRecord `json:"records"`
	Total   int                 `json:"total"`
}

// VariantResponse is the body of GET /api/records/{id}/variant.
type VariantResponse struct {
	ID      string `json:"id"`
	Variant string `json:"variant"`
}

// Client talks to a remote node's record endpoints.
type Client struct {
	base     *url.URL
	http     *http.Client
	pageSize int
}

// New builds a Client for baseURL such as "https://map.example.org".
// A nil httpClient gets conservative dial and TLS timeouts.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: networkTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 8 * time.Second}).DialContext,
				TLSHandshakeTimeout: 8 * time.Second,
			},
		}
	}
	return &Client{base: u, http: httpClient, pageSize: DefaultPageSize}, nil
}

// FetchInBounds walks every page inside b.
func (c *Client) FetchInBounds(ctx context.Context, b geo.ViewportBounds) ([]geo.SpatialRecord, error) {
	var out []geo.SpatialRecord
	for offset := 0; ; {
		page, err := c.FetchPage(ctx, b, offset, c.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		offset += len(page.Records)
		// The server may cap pages below pageSize; trust its total.
		if len(page.Records) == 0 || offset >= page.Total {
			return out, nil
		}
	}
}

// FetchPage requests one page of records inside b.
func (c *Client) FetchPage(ctx context.Context, b geo.ViewportBounds, offset, limit int) (loader.Page, error) {
	q := url.Values{}
	q.Set("north", strconv.FormatFloat(b.North, 'f', -1, 64))
	q.Set("south", strconv.FormatFloat(b.South, 'f', -1, 64))
	q.Set("east", strconv.FormatFloat(b.East, 'f', -1, 64))
	q.Set("west", strconv.FormatFloat(b.West, 'f', -1, 64))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var resp RecordsResponse
	if err := c.getJSON(ctx, "/api/records", q, &resp); err != nil {
		return loader.Page{}, err
	}
	return loader.Page{Records: resp.Records, Total: resp.Total}, nil
}

// RecordVariant asks the remote node for a record's visual variant.
func (c *Client) RecordVariant(ctx context.Context, id string) (string, error) {
	var resp VariantResponse
	if err := c.getJSON(ctx, "/api/records/"+id+"/variant", nil, &resp); err != nil {
		return "", err
	}
	return resp.Variant, nil
}

// LookupRecord loads one record from the remote node.
func (c *Client) LookupRecord(ctx context.Context, id string) (geo.SpatialRecord, error) {
	var rec geo.SpatialRecord
	if err := c.getJSON(ctx, "/api/records/"+id, nil, &rec); err != nil {
		return geo.SpatialRecord{}, err
	}
	return rec, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
