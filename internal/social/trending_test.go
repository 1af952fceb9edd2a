package social

import (
	"sort"
	"testing"
	"time"

	"xdrop/internal/repo"

	"github.com/stretchr/testify/assert"
)

func TestExtractHashtags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"no tags here", []string{}},
		{"#Go is #fun, #go again", []string{"go", "fun"}},
		{"#web3_dev #日本 end#", []string{"web3_dev", "日本"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractHashtags(tt.in), tt.in)
	}
}

func TestRankTrendingStrictlyDescending(t *testing.T) {
	posts := []repo.Post{
		{Content: "#a #b", Likes: 10},
		{Content: "#b", Reposts: 5},
		{Content: "#c #C", Replies: 4},
		{Content: "#d", Likes: 1, Reposts: 1, Replies: 2},
		{Content: "nothing"},
	}
	got := RankTrending(posts, 0)

	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Score > got[j].Score }))
	assert.Equal(t, []TrendingTag{
		{Tag: "b", Count: 2, Score: 20},
		{Tag: "a", Count: 1, Score: 10},
		{Tag: "c", Count: 1, Score: 6},
		{Tag: "d", Count: 1, Score: 6},
	}, got)
}

func TestRankTrendingTieBreakAndLimit(t *testing.T) {
	posts := []repo.Post{
		{Content: "#x", Likes: 2},
		{Content: "#y", Likes: 1},
		{Content: "#y", Likes: 1},
		{Content: "#z", Likes: 2},
	}
	got := RankTrending(posts, 2)
	assert.Equal(t, []TrendingTag{
		{Tag: "y", Count: 2, Score: 2},
		{Tag: "x", Count: 1, Score: 2},
	}, got)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("bot"))
	assert.False(t, rl.Allow("bot"))

	now = now.Add(time.Hour)
	rl.Cleanup(10 * time.Minute)
	assert.Empty(t, rl.limiters)
	assert.True(t, rl.Allow("bot"))
}

func TestRateLimiterZeroConfigUsesDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < DefaultRateLimitBurst; i++ {
		assert.True(t, rl.Allow("bot"), "request %d", i)
	}
	assert.False(t, rl.Allow("bot"))
}
