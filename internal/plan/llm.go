// SPDX-License-Identifier: MIT

package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	xglog "github.com/ManuGH/namegnome-serve/internal/log"
	"github.com/ManuGH/namegnome-serve/internal/metrics"
	"github.com/ManuGH/namegnome-serve/internal/scan"
)

// SchemaViolationError marks an LLM response that failed validation. The
// caller degrades to the deterministic result with an llm_unavailable
// warning; the violation is never fatal.
type SchemaViolationError struct {
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return "llm response rejected: " + e.Reason
}

// AssistGroup is the schema the LLM must produce, one entry per resolved
// episode group.
type AssistGroup struct {
	Season     int      `json:"season"`
	Episodes   []int    `json:"episodes"`
	Titles     []string `json:"titles"`
	Confidence float64  `json:"confidence"`
}

// AssistClient talks to an Ollama-compatible endpoint. The model is only
// asked to regroup segments given the canonical list; it is never a
// metadata source.
type AssistClient struct {
	base  string
	model string
	http  *http.Client
}

func NewAssistClient(baseURL, model string, timeout time.Duration) *AssistClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AssistClient{
		base:  strings.TrimRight(baseURL, "/"),
		model: model,
		http:  &http.Client{Timeout: timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

// ollamaChunk is one line of the streamed generate response. Done marks the
// final chunk, which carries no token text.
type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type tokenSinkKey struct{}

// WithTokenSink returns a context whose LLM assist calls forward every
// streamed model token to fn as it arrives.
func WithTokenSink(ctx context.Context, fn func(string)) context.Context {
	return context.WithValue(ctx, tokenSinkKey{}, fn)
}

func tokenSink(ctx context.Context) func(string) {
	fn, _ := ctx.Value(tokenSinkKey{}).(func(string))
	return fn
}

// Regroup asks the model to refine the deterministic grouping. The response
// must parse as {"groups":[{season,episodes,titles,confidence}]} and pass
// the bounds checks below, otherwise a SchemaViolationError is returned.
func (c *AssistClient) Regroup(ctx context.Context, file scan.MediaFile, det []EpisodeGroup, episodes []cache.Episode) ([]AssistGroup, error) {
	logger := xglog.WithComponentFromContext(ctx, "llm")

	prompt, err := buildPrompt(file, det, episodes)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		Format: "json",
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("unavailable").Inc()
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		metrics.LLMRequests.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("llm endpoint returned %d", res.StatusCode)
	}

	raw, err := readStream(ctx, res.Body)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	groups, err := parseAssistResponse(raw, episodes, file.ParsedSeason)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("schema_violation").Inc()
		logger.Warn().Err(err).Str(xglog.FieldPath, xglog.Path(file.Path)).Msg("llm output rejected")
		return nil, err
	}

	metrics.LLMRequests.WithLabelValues("ok").Inc()
	return groups, nil
}

// readStream concatenates the line-delimited generate chunks into the full
// model response, forwarding each token to the context's sink as it arrives.
func readStream(ctx context.Context, body io.Reader) (string, error) {
	sink := tokenSink(ctx)
	dec := json.NewDecoder(body)
	var full strings.Builder
	for {
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if sink != nil {
				sink(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	return full.String(), nil
}

func buildPrompt(file scan.MediaFile, det []EpisodeGroup, episodes []cache.Episode) (string, error) {
	type canonEp struct {
		Episode int    `json:"episode"`
		Title   string `json:"title"`
	}
	var canon []canonEp
	for _, e := range episodes {
		if file.ParsedSeason > 0 && e.Season != file.ParsedSeason {
			continue
		}
		canon = append(canon, canonEp{Episode: e.Episode, Title: e.Title})
	}

	input := map[string]any{
		"segments":      file.Segments,
		"deterministic": det,
		"canonical":     canon,
	}
	blob, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	return `You group multi-episode TV file segments onto canonical episodes.
Given the parsed segments, the deterministic grouping and the canonical
episode list below, answer ONLY with JSON of the form
{"groups":[{"season":int,"episodes":[int],"titles":[string],"confidence":number}]}.
Episodes must come from the canonical list; never invent titles.

` + string(blob), nil
}

func parseAssistResponse(raw string, episodes []cache.Episode, season int) ([]AssistGroup, error) {
	var payload struct {
		Groups []AssistGroup `json:"groups"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &SchemaViolationError{Reason: "not valid JSON: " + err.Error()}
	}
	if len(payload.Groups) == 0 {
		return nil, &SchemaViolationError{Reason: "no groups"}
	}

	known := map[int]bool{}
	for _, e := range episodes {
		if season > 0 && e.Season != season {
			continue
		}
		known[e.Episode] = true
	}

	for i, g := range payload.Groups {
		if len(g.Episodes) == 0 {
			return nil, &SchemaViolationError{Reason: fmt.Sprintf("group %d has no episodes", i)}
		}
		if len(g.Titles) != len(g.Episodes) {
			return nil, &SchemaViolationError{Reason: fmt.Sprintf("group %d titles/episodes length mismatch", i)}
		}
		if g.Confidence < 0 || g.Confidence > 1 {
			return nil, &SchemaViolationError{Reason: fmt.Sprintf("group %d confidence out of range", i)}
		}
		prev := 0
		for _, ep := range g.Episodes {
			if !known[ep] {
				return nil, &SchemaViolationError{Reason: fmt.Sprintf("group %d references unknown episode %d", i, ep)}
			}
			if ep <= prev {
				return nil, &SchemaViolationError{Reason: fmt.Sprintf("group %d episodes not strictly ascending", i)}
			}
			prev = ep
		}
	}
	return payload.Groups, nil
}
