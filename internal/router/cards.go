// internal/router/cards.go
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"handoff/pkg/a2a"
	"handoff/pkg/config"
)

// cardEntry pairs a card with its skill tag sets, parsed once at load time
// so lookups never re-split tag strings.
type cardEntry struct {
	card    a2a.AgentCard
	tagSets []map[string]string
}

// CardRegistry holds the agent cards supplied at start-up, in registration
// order. Read-only thereafter.
type CardRegistry struct {
	entries []cardEntry
	byName  map[string]a2a.AgentCard
}

func NewCardRegistry(cards []a2a.AgentCard) *CardRegistry {
	r := &CardRegistry{byName: map[string]a2a.AgentCard{}}
	for _, c := range cards {
		entry := cardEntry{card: c}
		for _, skill := range c.Skills {
			tags := map[string]string{}
			for _, t := range skill.Tags {
				if k, v, ok := strings.Cut(t, ":"); ok {
					tags[k] = v
				}
			}
			if len(tags) > 0 {
				entry.tagSets = append(entry.tagSets, tags)
			}
		}
		r.entries = append(r.entries, entry)
		r.byName[c.Name] = c
	}
	return r
}

// Resolve finds the first registered card with a skill whose tag set is a
// superset of filter. First-registered-wins is deliberate: there is no
// best-match tie-break, and changing that would change observable routing.
func (r *CardRegistry) Resolve(filter map[string]string) (a2a.AgentCard, bool) {
	for _, e := range r.entries {
		for _, tags := range e.tagSets {
			if supersetOf(tags, filter) {
				return e.card, true
			}
		}
	}
	return a2a.AgentCard{}, false
}

func (r *CardRegistry) Get(name string) (a2a.AgentCard, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *CardRegistry) All() []a2a.AgentCard {
	out := make([]a2a.AgentCard, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.card)
	}
	return out
}

func supersetOf(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// LoadCards fetches agent cards from the registry service, or falls back to
// the AGENT_CARDS_JSON seed when no registry is configured.
func LoadCards(ctx context.Context, cfg config.Config, tenantID string, log *zap.SugaredLogger) ([]a2a.AgentCard, error) {
	if cfg.RegistryURL == "" {
		if cfg.CardsJSON == "" {
			return nil, nil
		}
		var cards []a2a.AgentCard
		if err := json.Unmarshal([]byte(cfg.CardsJSON), &cards); err != nil {
			return nil, fmt.Errorf("parse card seed: %w", err)
		}
		return cards, nil
	}

	u, err := url.Parse(cfg.RegistryURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if tenantID != "" {
		q := u.Query()
		q.Set("tenant_id", tenantID)
		u.RawQuery = q.Encode()
	}
	httpc := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent registry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch agent registry: HTTP %d", resp.StatusCode)
	}
	var cards []a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&cards); err != nil {
		return nil, fmt.Errorf("decode agent registry: %w", err)
	}
	log.Infow("agent cards loaded", "count", len(cards), "registry", cfg.RegistryURL)
	return cards, nil
}
