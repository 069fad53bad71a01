package reactions

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/npezzotti/go-teamchat/internal/testutil"
	"github.com/npezzotti/go-teamchat/internal/types"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reaction(id string, user int, typ string) types.Reaction {
	return types.Reaction{Id: id, MessageId: "m1", UserId: user, UserName: fmt.Sprintf("u%d", user), Type: typ}
}

func newTestAggregator(t *testing.T) *Aggregator {
	return NewAggregator(testutil.TestLogger(t), stats.Nop{}, 3)
}

func TestAddReplacesDifferentType(t *testing.T) {
	a := newTestAggregator(t)

	replaced, changed := a.Add("r1", reaction("x1", 7, "👍"))
	assert.True(t, changed)
	assert.Nil(t, replaced)

	replaced, changed = a.Add("r1", reaction("x2", 7, "❤️"))
	assert.True(t, changed)
	require.NotNil(t, replaced)
	assert.Equal(t, "x1", replaced.Id)

	replaced, changed = a.Add("r1", reaction("x3", 7, "❤️"))
	assert.False(t, changed, "same type again is a no-op")
	assert.Nil(t, replaced)

	assert.Equal(t, []Group{{Type: "❤️", Count: 1, Users: []string{"u7"}}}, a.GroupedCounts("r1", "m1"))
}

func TestRemove(t *testing.T) {
	a := newTestAggregator(t)
	a.Add("r1", reaction("x1", 1, "👍"))

	assert.False(t, a.Remove("r1", "m1", "missing"))
	assert.False(t, a.Remove("r2", "m1", "x1"))
	assert.True(t, a.Remove("r1", "m1", "x1"))
	assert.False(t, a.Remove("r1", "m1", "x1"))
	assert.Empty(t, a.GroupedCounts("r1", "m1"))
}

func TestUniquenessUnderAnyEventSequence(t *testing.T) {
	types_ := []string{"👍", "❤️", "🎉"}

	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			a := newTestAggregator(t)
			var issued []types.Reaction

			for i := 0; i < 200; i++ {
				if len(issued) > 0 && rng.Intn(4) == 0 {
					r := issued[rng.Intn(len(issued))]
					a.Remove("r1", "m1", r.Id)
					continue
				}
				r := reaction(fmt.Sprintf("x%d", i), 1+rng.Intn(5), types_[rng.Intn(len(types_))])
				issued = append(issued, r)
				a.Add("r1", r)
			}

			perUser := map[int]int{}
			for _, r := range a.Reactions("r1", "m1") {
				perUser[r.UserId]++
			}
			for user, n := range perUser {
				assert.Equal(t, 1, n, "user %d holds more than one reaction", user)
			}

			total := 0
			for _, g := range a.GroupedCounts("r1", "m1") {
				total += g.Count
			}
			assert.Equal(t, len(perUser), total)
		})
	}
}

func TestOutOfOrderRemoveIsNoop(t *testing.T) {
	a := newTestAggregator(t)

	a.Remove("r1", "m1", "x1")
	a.Add("r1", reaction("x1", 1, "👍"))

	assert.Len(t, a.Reactions("r1", "m1"), 1, "arrival order wins, removal before add does not cancel it")
}

func TestGroupedCounts(t *testing.T) {
	a := newTestAggregator(t)
	for i := 1; i <= 5; i++ {
		a.Add("r1", reaction(fmt.Sprintf("t%d", i), i, "👍"))
	}
	a.Add("r1", reaction("h6", 6, "❤️"))
	a.Add("r1", reaction("e7", 7, "🎉"))

	groups := a.GroupedCounts("r1", "m1")
	require.Len(t, groups, 3)

	assert.Equal(t, Group{Type: "👍", Count: 5, Users: []string{"u1", "u2", "u3"}, Overflow: 2}, groups[0])
	assert.Equal(t, 1, groups[1].Count)
	assert.Equal(t, 1, groups[2].Count)
	assert.Less(t, groups[1].Type, groups[2].Type, "ties are ordered by type")
}

func TestMissingUserIsDroppedAndCounted(t *testing.T) {
	su := stats.NewStatsUpdater(nil, "test")
	a := NewAggregator(testutil.TestLogger(t), su, 3)

	_, changed := a.Add("r1", types.Reaction{Id: "x", MessageId: "m1", Type: "👍"})
	assert.False(t, changed)

	a.Replace("r1", "m2", []types.Reaction{
		{Id: "a", UserId: 1, Type: "👍"},
		{Id: "b", Type: "👍"},
	})

	assert.Empty(t, a.Reactions("r1", "m1"))
	assert.Len(t, a.Reactions("r1", "m2"), 1)
	assert.Equal(t, float64(2), promtestutil.ToFloat64(su.Counter(MetricAnomalies)))
}

func TestReplaceAndSeed(t *testing.T) {
	a := newTestAggregator(t)

	a.SeedIfAbsent("r1", "m1", []types.Reaction{reaction("a", 1, "👍")})
	a.Add("r1", reaction("b", 2, "🎉"))
	a.SeedIfAbsent("r1", "m1", []types.Reaction{reaction("a", 1, "👍")})
	assert.Len(t, a.Reactions("r1", "m1"), 2, "seeding does not overwrite known state")

	a.Replace("r1", "m1", []types.Reaction{reaction("a", 1, "👍"), reaction("c", 1, "❤️")})
	got := a.Reactions("r1", "m1")
	require.Len(t, got, 1, "replace enforces one reaction per user")
	assert.Equal(t, "c", got[0].Id)

	a.ReleaseMessage("r1", "m1")
	assert.Empty(t, a.Reactions("r1", "m1"))

	a.Add("r1", reaction("d", 3, "👍"))
	a.Release("r1")
	assert.Empty(t, a.GroupedCounts("r1", "m1"))
}
