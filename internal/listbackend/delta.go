package listbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// deltaPage is the wire shape of one delta query response page
// (SPEC_FULL.md §4.9: "delta query response carries value[], optional
// @odata.nextLink, terminal @odata.deltaLink").
type deltaPage struct {
	Value     []deltaItemWire `json:"value"`
	NextLink  string          `json:"@odata.nextLink"`
	DeltaLink string          `json:"@odata.deltaLink"`
}

type deltaItemWire struct {
	ID     int64                  `json:"id"`
	Reason string                 `json:"reason"` // "changed" | "deleted"
	Fields map[string]interface{} `json:"fields"`
}

// DeltaChanges internally paginates via @odata.nextLink until the final
// page carries @odata.deltaLink, per SPEC_FULL.md §4.5.
func (c *Client) DeltaChanges(ctx context.Context, site, list, deltaToken string) ([]engine.DeltaItem, string, error) {
	url := c.deltaURL(site, list, deltaToken)
	var items []engine.DeltaItem

	for {
		req, err := c.authedRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := doWithRetry(ctx, "listbackend.delta_changes", func() (*http.Response, error) { return c.http.Do(req) })
		if err != nil {
			return nil, "", err
		}

		var page deltaPage
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, "", engine.Decode("listbackend.delta_changes", decodeErr)
		}

		for _, it := range page.Value {
			items = append(items, engine.DeltaItem{ItemID: it.ID, Reason: it.Reason, Fields: fromWire(it.Fields)})
		}

		if page.DeltaLink != "" {
			return items, page.DeltaLink, nil
		}
		if page.NextLink == "" {
			return nil, "", engine.Decode("listbackend.delta_changes", fmt.Errorf("page carried neither @odata.nextLink nor @odata.deltaLink"))
		}
		url = page.NextLink
	}
}

func (c *Client) deltaURL(site, list, deltaToken string) string {
	if deltaToken == "" {
		return fmt.Sprintf("%s/delta", c.itemsURL(site, list))
	}
	// A previously issued @odata.deltaLink is itself a full resumable URL.
	if looksLikeURL(deltaToken) {
		return deltaToken
	}
	return fmt.Sprintf("%s/delta?token=%s", c.itemsURL(site, list), deltaToken)
}

func looksLikeURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}
