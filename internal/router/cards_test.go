// internal/router/cards_test.go
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"handoff/pkg/a2a"
	"handoff/pkg/config"
)

func cardWithTags(name string, tags ...string) a2a.AgentCard {
	return a2a.AgentCard{
		Name:   name,
		URL:    "http://agents.local/" + name,
		Skills: []a2a.AgentSkill{{ID: "s", Name: "s", Tags: tags}},
	}
}

func TestResolveSupersetMatch(t *testing.T) {
	reg := NewCardRegistry([]a2a.AgentCard{
		cardWithTags("Calendar", "type:calendar"),
		cardWithTags("Horizon ABC", "type:horizon", "tenant_id:tenant-abc", "region:us"),
		cardWithTags("Horizon XYZ", "type:horizon", "tenant_id:tenant-xyz"),
	})

	// Extra tags on the skill do not prevent a match.
	card, ok := reg.Resolve(map[string]string{"type": "horizon", "tenant_id": "tenant-abc"})
	require.True(t, ok)
	assert.Equal(t, "Horizon ABC", card.Name)

	card, ok = reg.Resolve(map[string]string{"type": "horizon", "tenant_id": "tenant-xyz"})
	require.True(t, ok)
	assert.Equal(t, "Horizon XYZ", card.Name)

	_, ok = reg.Resolve(map[string]string{"type": "horizon", "tenant_id": "tenant-nope"})
	assert.False(t, ok)

	_, ok = reg.Resolve(map[string]string{"type": "banking"})
	assert.False(t, ok)
}

func TestResolveFirstRegisteredWins(t *testing.T) {
	reg := NewCardRegistry([]a2a.AgentCard{
		cardWithTags("First Weather", "type:weather"),
		cardWithTags("Second Weather", "type:weather"),
	})
	for i := 0; i < 10; i++ {
		card, ok := reg.Resolve(map[string]string{"type": "weather"})
		require.True(t, ok)
		assert.Equal(t, "First Weather", card.Name)
	}
}

func TestRegistryGetAndAll(t *testing.T) {
	cards := []a2a.AgentCard{
		cardWithTags("A", "type:a"),
		cardWithTags("B", "type:b"),
	}
	reg := NewCardRegistry(cards)

	got, ok := reg.Get("B")
	require.True(t, ok)
	assert.Equal(t, "B", got.Name)
	_, ok = reg.Get("C")
	assert.False(t, ok)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Name)
	assert.Equal(t, "B", all[1].Name)
}

func TestLoadCardsFromSeed(t *testing.T) {
	log := zap.NewNop().Sugar()
	seed := `[{"name":"Weather Agent","url":"http://localhost:8000","skills":[{"id":"s","name":"s","tags":["type:weather"]}]}]`

	cards, err := LoadCards(context.Background(), config.Config{CardsJSON: seed}, "", log)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "Weather Agent", cards[0].Name)

	cards, err = LoadCards(context.Background(), config.Config{}, "", log)
	require.NoError(t, err)
	assert.Empty(t, cards)

	_, err = LoadCards(context.Background(), config.Config{CardsJSON: "{broken"}, "", log)
	assert.Error(t, err)
}

func TestLoadCardsFromRegistry(t *testing.T) {
	var gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.URL.Query().Get("tenant_id")
		_ = json.NewEncoder(w).Encode([]a2a.AgentCard{cardWithTags("Horizon ABC", "type:horizon")})
	}))
	defer srv.Close()

	cards, err := LoadCards(context.Background(), config.Config{RegistryURL: srv.URL}, "tenant-abc", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "Horizon ABC", cards[0].Name)
	assert.Equal(t, "tenant-abc", gotTenant)
}
