package storage

import (
	"sort"
	"strings"
	"unicode"
)

// KeywordMatch is one scored keyword hit, exported for callers outside
// the storage package (the memory and codeintel search paths).
type KeywordMatch = keywordMatch

// RankByKeyword scores every candidate's content against query and
// returns the k highest-scoring non-zero matches, descending.
func RankByKeyword(query string, candidates map[string]string, k int) []KeywordMatch {
	return rankByKeyword(query, candidates, k)
}

// tokenize lowercases and splits on non-alphanumeric runes, the same
// coarse tokenization an fts5 "unicode61" tokenizer applies by default.
// This is the substitute for the fts5 extension, which modernc.org/sqlite
// cannot load.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// keywordScore multiplies query-token coverage (fraction of distinct
// query terms present) by 1 + hits/(query terms + 1), where hits counts
// every occurrence of a query term in content. Coverage dominates, but a
// chunk that repeats a few query terms often enough can outscore one
// that holds every query word once.
func keywordScore(query, content string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	contentCounts := make(map[string]int)
	for _, t := range tokenize(content) {
		contentCounts[t]++
	}

	matched := 0
	var hits float64
	seen := make(map[string]bool)
	for _, qt := range queryTokens {
		if c, ok := contentCounts[qt]; ok {
			hits += float64(c)
			if !seen[qt] {
				matched++
				seen[qt] = true
			}
		}
	}
	if matched == 0 {
		return 0
	}
	coverage := float64(matched) / float64(len(queryTokens))
	return coverage * (1 + hits/float64(len(queryTokens)+1))
}

// keywordMatch is one scored keyword hit.
type keywordMatch struct {
	Key   string
	Score float64
}

// rankByKeyword scores every candidate's content against query and
// returns the k highest-scoring non-zero matches, descending.
func rankByKeyword(query string, candidates map[string]string, k int) []keywordMatch {
	matches := make([]keywordMatch, 0, len(candidates))
	for key, content := range candidates {
		if score := keywordScore(query, content); score > 0 {
			matches = append(matches, keywordMatch{Key: key, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
