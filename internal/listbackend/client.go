// Package listbackend implements engine.ListBackend against an OData-style
// REST list backend (SPEC_FULL.md §4.5): CRUD on list items plus
// cursor-paginated delta queries, with retrying and token-caching wrapped
// around a plain net/http.Client.
package listbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
	"github.com/jare20895/ArcoreSyncBridge/internal/row"
)

// Client implements engine.ListBackend.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  *tokenCache
	log     *zap.Logger
}

var _ engine.ListBackend = (*Client)(nil)

// New builds a Client against baseURL (e.g. "https://graph.example.com/v1.0"),
// authenticating requests with tokens obtained from fetcher.
func New(baseURL string, fetcher TokenFetcher, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, baseURL: baseURL, tokens: newTokenCache(fetcher), log: log}
}

func (c *Client) itemsURL(site, list string) string {
	return fmt.Sprintf("%s/sites/%s/lists/%s/items", c.baseURL, site, list)
}

func (c *Client) itemURL(site, list string, itemID int64) string {
	return fmt.Sprintf("%s/%d", c.itemsURL(site, list), itemID)
}

func (c *Client) authedRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "listbackend: marshal request body")
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "listbackend: build request")
	}
	tok, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// itemPayload is the wire shape of one list item's field bag.
type itemPayload struct {
	Fields map[string]interface{} `json:"fields"`
}

func (c *Client) CreateItem(ctx context.Context, site, list string, fields row.Row) (int64, error) {
	payload := itemPayload{Fields: toWire(fields)}
	req, err := c.authedRequest(ctx, http.MethodPost, c.itemsURL(site, list), payload)
	if err != nil {
		return 0, err
	}
	resp, err := doWithRetry(ctx, "listbackend.create_item", func() (*http.Response, error) {
		// Each attempt needs a fresh body reader; the previous attempt drained it.
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			req.Body = body
		}
		return c.http.Do(req)
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, engine.Decode("listbackend.create_item", err)
	}
	return created.ID, nil
}

func (c *Client) UpdateItem(ctx context.Context, site, list string, itemID int64, fields row.Row) error {
	payload := itemPayload{Fields: toWire(fields)}
	req, err := c.authedRequest(ctx, http.MethodPatch, c.itemURL(site, list, itemID), payload)
	if err != nil {
		return err
	}
	resp, err := doWithRetry(ctx, "listbackend.update_item", func() (*http.Response, error) {
		// Each attempt needs a fresh body reader; the previous attempt drained it.
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			req.Body = body
		}
		return c.http.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) DeleteItem(ctx context.Context, site, list string, itemID int64) error {
	req, err := c.authedRequest(ctx, http.MethodDelete, c.itemURL(site, list, itemID), nil)
	if err != nil {
		return err
	}
	resp, err := doWithRetry(ctx, "listbackend.delete_item", func() (*http.Response, error) { return c.http.Do(req) })
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) GetItem(ctx context.Context, site, list string, itemID int64) (row.Row, bool, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, c.itemURL(site, list, itemID), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, engine.Transport("listbackend.get_item", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode == http.StatusForbidden {
		return nil, false, engine.Permission("listbackend.get_item", httpStatusError(resp))
	}
	if resp.StatusCode >= 400 {
		return nil, false, engine.Decode("listbackend.get_item", httpStatusError(resp))
	}

	var payload itemPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, engine.Decode("listbackend.get_item", err)
	}
	return fromWire(payload.Fields), true, nil
}

func toWire(r row.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		out[k] = wireValue(v)
	}
	return out
}

func wireValue(v row.Value) interface{} {
	switch v.Kind {
	case row.KindNull:
		return nil
	case row.KindText:
		return v.Text
	case row.KindInteger:
		return v.Integer
	case row.KindDecimal:
		f, _ := v.Decimal.Float64()
		return f
	case row.KindBoolean:
		return v.Boolean
	case row.KindTimestamp:
		return v.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	case row.KindBinary:
		return v.Binary
	default:
		return nil
	}
}

func fromWire(fields map[string]interface{}) row.Row {
	out := make(row.Row, len(fields))
	for k, v := range fields {
		out[k] = valueFromWire(v)
	}
	return out
}

// valueFromWire recovers a row.Value from decoded JSON. JSON numbers decode
// as float64, so every numeric field becomes a decimal Value. Nothing
// downstream converts it to the source column's declared type: the field
// mapping layer passes values through unchanged.
func valueFromWire(v interface{}) row.Value {
	switch t := v.(type) {
	case nil:
		return row.Null
	case string:
		return row.Text(t)
	case bool:
		return row.Boolean(t)
	case float64:
		return row.DecimalFromFloat(t)
	default:
		b, _ := json.Marshal(t)
		return row.Text(string(b))
	}
}
