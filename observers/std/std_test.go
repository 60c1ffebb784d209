package std

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/dsl"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/judge"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"privacy", "reliability", "retention", "search", "throughput"}, Names())
}

func TestSourceUnknownPack(t *testing.T) {
	_, err := Source("velocity")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown pack "velocity"`)
	assert.Contains(t, err.Error(), "reliability")
}

func TestPacksParse(t *testing.T) {
	for _, name := range Names() {
		observers, err := Observers(name)
		require.NoError(t, err, name)
		require.Len(t, observers, 1, name)

		obs := observers[0]
		assert.NotEmpty(t, obs.Role, name)
		assert.NotEmpty(t, obs.Goal, name)
		require.NotEmpty(t, obs.Requirements, name)
		for _, req := range obs.Requirements {
			assert.True(t, strings.HasPrefix(req.Label, name+"/"),
				"%s: label %q should carry the pack prefix", name, req.Label)
			assert.Equal(t, name, req.Group, name)
		}
	}
}

func TestPacksFormatRoundTrip(t *testing.T) {
	for _, name := range Names() {
		observers, err := Observers(name)
		require.NoError(t, err, name)

		reparsed, err := dsl.Parse(name+".osim", []byte(dsl.Format(observers)))
		require.NoError(t, err, name)
		require.Len(t, reparsed, len(observers), name)
		for i := range observers {
			assert.Equal(t, observers[i].Name, reparsed[i].Name)
			require.Len(t, reparsed[i].Requirements, len(observers[i].Requirements))
			for j, req := range observers[i].Requirements {
				assert.Equal(t, req.Label, reparsed[i].Requirements[j].Label)
				assert.Equal(t, usersim.Fingerprint(req.Expr), usersim.Fingerprint(reparsed[i].Requirements[j].Expr))
			}
		}
	}
}

func TestRegisterAll(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, 5, reg.Len())

	for _, want := range []string{"sre", "dispatcher", "privacy_officer", "searcher", "growth_lead"} {
		_, ok := reg.Get(want)
		assert.True(t, ok, want)
	}
}

func TestRegisterSubset(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, Register(reg, "reliability", "search"))
	assert.Equal(t, 2, reg.Len())

	_, ok := reg.Get("dispatcher")
	assert.False(t, ok)
}

func TestRegisterTwiceConflicts(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, Register(reg, "privacy"))
	err := Register(reg, "privacy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "privacy")
}

func TestRegisterUnknownPack(t *testing.T) {
	reg := usersim.NewRegistry()
	err := Register(reg, "reliability", "velocity")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown pack "velocity"`)
}

// Divisions in the stock packs are guarded, so a path reporting zero
// traffic passes vacuously instead of failing on a domain error.
func TestGuardedDivisionsVacuouslyPass(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, Register(reg, "reliability"))

	idle, err := usersim.NewBinding(map[string]any{
		"requests": 0.0,
		"errors":   0.0,
		"timeouts": 0.0,
		"crashes":  0.0,
	})
	require.NoError(t, err)
	table := usersim.NewFactTable()
	table.Add("idle", "", idle)

	ev, err := eval.New(eval.Options{CrossCheck: true})
	require.NoError(t, err)
	m, err := judge.NewRunner(ev).Run(context.Background(), reg, table, judge.Options{})
	require.NoError(t, err)

	cell, ok := m.Cell("sre", "idle")
	require.True(t, ok)
	assert.True(t, cell.Satisfied)

	var rare *usersim.Result
	for i := range cell.Results {
		if cell.Results[i].Label == "reliability/timeouts-rare" {
			rare = &cell.Results[i]
		}
	}
	require.NotNil(t, rare)
	assert.True(t, rare.Passed)
	require.NotNil(t, rare.AntecedentFired)
	assert.False(t, *rare.AntecedentFired)
}
