package gitlabapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

const (
	// pageSize is GitLab's practical per_page maximum.
	pageSize = 100
	// defaultMaxPages bounds a single resource walk against pathological
	// inputs; hitting it flags the walk as truncated instead of looping.
	defaultMaxPages = 50
)

// Walk is the outcome of one paginated resource walk. Items may be partial:
// a failure mid-walk returns everything collected so far together with the
// error, and callers decide whether partial data is usable.
type Walk[T any] struct {
	Items     []T
	Pages     int
	Truncated bool
	Metadata  CallMetadata
}

// collectPages walks all pages of one resource collection until a short page
// signals end-of-data, the page ceiling is reached, or a request fails.
func collectPages[T any](
	ctx context.Context,
	client *Client,
	pageURL *url.URL,
	params url.Values,
	maxPages int,
) (Walk[T], error) {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	walk := Walk[T]{}
	for page := 1; ; page++ {
		if page > maxPages {
			walk.Truncated = true
			return walk, nil
		}

		reqURL := *pageURL
		query := reqURL.Query()
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		query.Set("per_page", strconv.Itoa(pageSize))
		query.Set("page", strconv.Itoa(page))
		reqURL.RawQuery = query.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
		if err != nil {
			return walk, err
		}

		resp, metadata, err := client.Do(req)
		walk.Metadata.Attempts += metadata.Attempts
		walk.Metadata.LastStatus = metadata.LastStatus
		if err != nil {
			return walk, err
		}

		var items []T
		if err := decodeJSONAndClose(resp, &items); err != nil {
			return walk, &MalformedResponseError{Err: err}
		}

		walk.Pages++
		walk.Items = append(walk.Items, items...)
		if len(items) < pageSize {
			return walk, nil
		}
	}
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer func() {
		_ = resp.Body.Close()
	}()
	return json.NewDecoder(resp.Body).Decode(target)
}
