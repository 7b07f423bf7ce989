// Package contextassembler builds the per-query context bundle handed to
// the host agent on user_prompt_submit: a fixed-order concatenation
// chosen to keep the stable prefix cacheable by downstream providers
// while the volatile suffix is rebuilt every turn.
package contextassembler

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/memory"
)

// minMessageLen and maxMessageLen gate whether proactive/cross-project
// sections are assembled at all — a trivially short message ("ok", "y")
// or a pasted wall of text isn't worth a semantic-recall round trip.
const (
	minMessageLen = 4
	maxMessageLen = 4000
)

const (
	maxRecallHits   = 5
	maxCodeFiles    = 3
	maxSymbolsPerFile = 8
	maxRecentTurns  = 10
	maxTurnChars    = 2000
)

// Turn is one raw conversation turn.
type Turn struct {
	Role    string
	Content string
}

// Bundle is the assembled, ordered context ready to hand to a provider.
type Bundle struct {
	Persona            string
	MiraContext        string
	CompactionBlob      string
	RollingSummaries   string
	SemanticRecall     string
	CodeHints          string
	RecentConversation string
}

// String renders the bundle in assembly order — the contract is that this
// order IS the output order, so a stable prefix (persona through rolling
// summaries) precedes the volatile suffix (recall, code hints, recent
// turns).
func (b Bundle) String() string {
	var parts []string
	for _, p := range []string{b.Persona, b.MiraContext, b.CompactionBlob, b.RollingSummaries, b.SemanticRecall, b.CodeHints, b.RecentConversation} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Input parameterizes Assemble.
type Input struct {
	Persona         string
	ProjectID       *int64
	Query           string
	CompactionBlob  string
	RollingSummaries string
	RecentTurns     []Turn
}

// Assembler builds Bundles from the memory and code-intelligence stores.
type Assembler struct {
	mem  *memory.Manager
	code *codeintel.Store
}

// New constructs an Assembler.
func New(mem *memory.Manager, code *codeintel.Store) *Assembler {
	return &Assembler{mem: mem, code: code}
}

// Assemble builds a Bundle for in.Query. Proactive sections (active goals,
// semantic recall, code hints) are skipped for trivially short messages
// or ones exceeding maxMessageLen, per the "simple command" quality gate.
func (a *Assembler) Assemble(ctx context.Context, in Input) (Bundle, error) {
	b := Bundle{
		Persona:          in.Persona,
		CompactionBlob:   in.CompactionBlob,
		RollingSummaries: in.RollingSummaries,
	}
	b.RecentConversation = renderTurns(in.RecentTurns)

	if !passesQualityGate(in.Query) {
		return b, nil
	}

	if goals, err := a.mem.FormatActiveGoals(ctx, in.ProjectID); err == nil && goals != "" {
		b.MiraContext = "## Active goals\n" + goals
	}

	if recall, err := a.mem.Recall(ctx, memory.RecallInput{ProjectID: in.ProjectID, Query: in.Query, Limit: maxRecallHits}); err == nil {
		b.SemanticRecall = renderRecall(recall)
	}

	if in.ProjectID != nil {
		if hits, err := a.code.SearchCode(ctx, *in.ProjectID, in.Query, maxCodeFiles*maxSymbolsPerFile); err == nil {
			b.CodeHints = renderCodeHints(hits, extractKeywords(in.Query))
		}
	}

	return b, nil
}

func passesQualityGate(query string) bool {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < minMessageLen || len(trimmed) > maxMessageLen {
		return false
	}
	if strings.HasPrefix(trimmed, "/") && !strings.Contains(trimmed, " ") {
		return false
	}
	return true
}

func renderRecall(results []memory.RecallResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant memory\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Fact.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// renderCodeHints groups SearchCode's candidate chunks by file and, within
// and across files, ranks them by keyword overlap with the query rather
// than SearchCode's own fused semantic+keyword score — the code-index
// hints section is specified as a keyword-overlap selection over whatever
// candidates SearchCode surfaces.
func renderCodeHints(hits []codeintel.SearchResult, keywords []string) string {
	if len(hits) == 0 {
		return ""
	}
	byFile := map[string][]codeintel.SearchResult{}
	var order []string
	for _, h := range hits {
		if _, ok := byFile[h.Chunk.FilePath]; !ok {
			order = append(order, h.Chunk.FilePath)
		}
		byFile[h.Chunk.FilePath] = append(byFile[h.Chunk.FilePath], h)
	}

	fileOverlap := make(map[string]int, len(order))
	for file, chunks := range byFile {
		sort.SliceStable(chunks, func(i, j int) bool {
			return keywordOverlap(chunks[i].Chunk.Content, keywords) > keywordOverlap(chunks[j].Chunk.Content, keywords)
		})
		byFile[file] = chunks
		total := 0
		for _, c := range chunks {
			total += keywordOverlap(c.Chunk.Content, keywords)
		}
		fileOverlap[file] = total
	}
	sort.SliceStable(order, func(i, j int) bool { return fileOverlap[order[i]] > fileOverlap[order[j]] })
	if len(order) > maxCodeFiles {
		order = order[:maxCodeFiles]
	}

	var b strings.Builder
	b.WriteString("## Code hints\n")
	for _, file := range order {
		b.WriteString(file)
		b.WriteString(":\n")
		chunks := byFile[file]
		if len(chunks) > maxSymbolsPerFile {
			chunks = chunks[:maxSymbolsPerFile]
		}
		for _, c := range chunks {
			b.WriteString("  - line ")
			b.WriteString(strconv.Itoa(c.Chunk.StartLine))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// keywordOverlap counts how many of the extracted query keywords appear
// in content's token set.
func keywordOverlap(content string, keywords []string) int {
	if len(keywords) == 0 {
		return 0
	}
	tokens := map[string]bool{}
	for _, t := range tokenize(content) {
		tokens[t] = true
	}
	n := 0
	for _, k := range keywords {
		if tokens[k] {
			n++
		}
	}
	return n
}

func renderTurns(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > maxRecentTurns {
		turns = turns[len(turns)-maxRecentTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		content := truncateUTF8(t.Content, maxTurnChars)
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// truncateUTF8 cuts s to at most max runes without splitting a multi-byte
// rune, matching the "truncated at a UTF-8 boundary" requirement for the
// recent-conversation window.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// maxKeywords and minKeywordLen bound extractKeywords' output per the
// code-index hints contract: at most 8 tokens, each at least 3 characters.
const (
	maxKeywords  = 8
	minKeywordLen = 3
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "it": true, "of": true,
	"to": true, "and": true, "in": true, "for": true, "on": true, "with": true,
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// extractKeywords tokenizes query, drops stopwords, tokens under
// minKeywordLen, and purely numeric tokens, then returns at most
// maxKeywords unique tokens in first-seen order.
func extractKeywords(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tokenize(query) {
		if len(out) >= maxKeywords {
			break
		}
		if len(t) < minKeywordLen || stopwords[t] || seen[t] || isAllDigits(t) {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

