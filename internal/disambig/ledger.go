// SPDX-License-Identifier: MIT

// Package disambig tracks ambiguous entity resolutions. When planning
// cannot uniquely pin a provider entity it mints a token bound to the scan
// and candidate set; resolving the token persists a Decision so later plans
// skip the prompt.
package disambig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/namegnome-serve/internal/cache"
	"github.com/ManuGH/namegnome-serve/internal/naming"
	"github.com/ManuGH/namegnome-serve/internal/provider"
)

// ErrUnknownToken marks a lookup of a token that was never minted or has
// already been resolved and pruned.
var ErrUnknownToken = errors.New("disambig: unknown token")

// Pending is one open disambiguation bound to a scan.
type Pending struct {
	Token      string               `json:"token"`
	ScanID     string               `json:"scan_id"`
	Field      string               `json:"field"`
	Scope      string               `json:"scope"`
	Title      string               `json:"title"`
	Year       int                  `json:"year"`
	Candidates []provider.Candidate `json:"candidates"`
	Suggested  string               `json:"suggested,omitempty"`
	Resolved   bool                 `json:"resolved"`
	CreatedAt  time.Time            `json:"created_at"`
}

// RequiredError is raised when planning needs a user choice. The REST layer
// maps it to 409 with the token and candidate list.
type RequiredError struct {
	Token      string
	Field      string
	Candidates []provider.Candidate
	Suggested  string
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("disambiguation required for %s (%d candidates, token %s)",
		e.Field, len(e.Candidates), e.Token)
}

// Ledger persists pending disambiguations in the cache's kv table and
// resolved choices as Decision rows.
type Ledger struct {
	store *cache.Store
}

func NewLedger(store *cache.Store) *Ledger {
	return &Ledger{store: store}
}

func tokenKey(token string) string { return "disambig:" + token }

// Mint records a pending disambiguation and returns the error the planner
// propagates to its caller.
func (l *Ledger) Mint(ctx context.Context, p Pending) (*RequiredError, error) {
	p.Token = "dsk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	p.CreatedAt = time.Now().UTC()

	blob, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := l.store.PutKV(ctx, tokenKey(p.Token), string(blob)); err != nil {
		return nil, err
	}
	return &RequiredError{
		Token:      p.Token,
		Field:      p.Field,
		Candidates: p.Candidates,
		Suggested:  p.Suggested,
	}, nil
}

// Get returns the pending state for a token.
func (l *Ledger) Get(ctx context.Context, token string) (*Pending, error) {
	raw, ok, err := l.store.GetKV(ctx, tokenKey(token))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownToken
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Resolve binds the user's choice to a Decision row and marks the token
// resumable. choiceID must name one of the minted candidates' ext IDs.
func (l *Ledger) Resolve(ctx context.Context, token, choiceID string) (*Pending, error) {
	p, err := l.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	var chosen *provider.Candidate
	for i := range p.Candidates {
		if p.Candidates[i].ExtID == choiceID {
			chosen = &p.Candidates[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("choice %q is not among the candidates for %s", choiceID, token)
	}

	year := p.Year
	if year <= 0 {
		year = cache.YearUnknown
	}
	if err := l.store.PutDecision(ctx, cache.Decision{
		Scope:     p.Scope,
		TitleNorm: naming.NormalizeTitle(p.Title),
		Year:      year,
		Provider:  chosen.Provider,
		ExtID:     chosen.ExtID,
	}); err != nil {
		return nil, err
	}

	p.Resolved = true
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := l.store.PutKV(ctx, tokenKey(token), string(blob)); err != nil {
		return nil, err
	}
	return p, nil
}
