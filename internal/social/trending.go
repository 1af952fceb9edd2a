package social

import (
	"regexp"
	"sort"
	"strings"

	"xdrop/internal/repo"
)

var hashtagRegex = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// ExtractHashtags returns the distinct lowercased hashtags of content in order of appearance.
func ExtractHashtags(content string) []string {
	matches := hashtagRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(matches))
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tag := strings.ToLower(m[1])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// TrendingTag is one entry of the trending list.
type TrendingTag struct {
	Tag   string  `json:"tag"`
	Count int     `json:"count"`
	Score float64 `json:"score"`
}

// engagementScore weights reposts and replies above likes.
func engagementScore(p repo.Post) float64 {
	return float64(p.Likes) + 2*float64(p.Reposts) + 1.5*float64(p.Replies)
}

// RankTrending aggregates engagement per hashtag over posts and returns the top limit tags,
// highest score first. Equal scores order by count, then tag.
func RankTrending(posts []repo.Post, limit int) []TrendingTag {
	byTag := map[string]*TrendingTag{}
	for _, p := range posts {
		tags := ExtractHashtags(p.Content)
		if len(tags) == 0 {
			continue
		}
		score := engagementScore(p)
		for _, tag := range tags {
			entry, ok := byTag[tag]
			if !ok {
				entry = &TrendingTag{Tag: tag}
				byTag[tag] = entry
			}
			entry.Count++
			entry.Score += score
		}
	}

	ranked := make([]TrendingTag, 0, len(byTag))
	for _, entry := range byTag {
		ranked = append(ranked, *entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Tag < ranked[j].Tag
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
