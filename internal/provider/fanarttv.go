// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"time"
)

// DefaultFanartTVBaseURL is the fanart.tv API root.
const DefaultFanartTVBaseURL = "https://webservice.fanart.tv/v3"

// FanartTV fetches artwork bundles for resolved entities. It is an
// enrichment source, not a Client: fanart.tv has no search and its
// responses only decorate entity metadata in plan explanations.
type FanartTV struct {
	httpClient
	apiKey string
}

func NewFanartTV(baseURL, apiKey string, timeout time.Duration) *FanartTV {
	return &FanartTV{
		httpClient: newHTTPClient("fanarttv", baseURL, timeout),
		apiKey:     apiKey,
	}
}

func (c *FanartTV) Name() string { return "fanarttv" }

// Images returns the raw artwork document for a tv or movies entity keyed by
// the upstream provider's numeric ID (TVDB for tv, TMDB/IMDb for movies).
func (c *FanartTV) Images(ctx context.Context, kind, extID string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := "/" + kind + "/" + url.PathEscape(extID)
	if err := c.getJSON(ctx, path, url.Values{"api_key": {c.apiKey}}, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
