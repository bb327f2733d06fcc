// Package toolindex provides discovery over the tool registry: keyword and
// embedding search across registered tools, and mining of successful past
// invocations as few-shot examples for a given tool.
package toolindex

import (
	"context"
	"sort"
	"strings"
	"time"

	"goalforge/internal/embedding"
	"goalforge/internal/logging"
	"goalforge/internal/store"
	"goalforge/internal/tools"
	"goalforge/internal/trace"
)

// SearchResult is a tool plus its relevance to the query.
type SearchResult struct {
	Tool  *tools.Tool
	Score float64
}

// Example is a successful past invocation of a tool, usable as a few-shot
// demonstration when prompting a learner.
type Example struct {
	GoalText      string         `json:"goal_text"`
	Arguments     map[string]any `json:"arguments"`
	SuccessRating float64        `json:"success_rating"`
	UsageCount    int            `json:"usage_count"`
}

// Config tunes example mining.
type Config struct {
	MaxExamples int           // examples returned per tool
	MinSuccess  float64       // traces below this rating are not mined
	CacheTTL    time.Duration // example cache lifetime
}

// DefaultConfig returns the standard mining settings.
func DefaultConfig() Config {
	return Config{
		MaxExamples: 3,
		MinSuccess:  0.8,
		CacheTTL:    5 * time.Minute,
	}
}

// Index searches tools and mines usage examples from the trace store.
// The embedding engine is optional; without one, search is keyword-only.
type Index struct {
	registry *tools.Registry
	store    *store.TraceStore
	engine   embedding.Engine
	cfg      Config
	cache    *exampleCache
}

// New creates an index over the given registry and trace store. engine may
// be nil.
func New(registry *tools.Registry, traceStore *store.TraceStore, engine embedding.Engine, cfg Config) *Index {
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = 3
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Index{
		registry: registry,
		store:    traceStore,
		engine:   engine,
		cfg:      cfg,
		cache:    newExampleCache(256, cfg.CacheTTL),
	}
}

// Search ranks registered tools against a free-text query. category narrows
// the candidate set when non-empty. Keyword overlap always contributes;
// when an embedding engine is configured, cosine similarity over the tool
// descriptions is blended in.
func (idx *Index) Search(ctx context.Context, query string, topK int, category string) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	candidates := idx.registry.List()
	if category != "" {
		filtered := candidates[:0]
		for _, t := range candidates {
			if t.Category == category {
				filtered = append(filtered, t)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryIndex, "search")
	defer timer.StopWithInfo(query)

	keywords := store.Keywords(query)
	results := make([]SearchResult, 0, len(candidates))
	for _, t := range candidates {
		results = append(results, SearchResult{Tool: t, Score: keywordScore(keywords, t)})
	}

	if idx.engine != nil {
		if err := idx.blendEmbeddings(ctx, query, results); err != nil {
			// Embedding failures leave keyword scores intact.
			logging.IndexDebug("Embedding blend failed: %v", err)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.Name < results[j].Tool.Name
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// blendEmbeddings averages cosine similarity into the keyword scores.
func (idx *Index) blendEmbeddings(ctx context.Context, query string, results []SearchResult) error {
	queryVec, err := idx.engine.Embed(ctx, query)
	if err != nil {
		return err
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Tool.Name + ": " + r.Tool.Description
	}
	vecs, err := idx.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for _, hit := range embedding.FindTopK(queryVec, vecs, len(results)) {
		results[hit.Index].Score = (results[hit.Index].Score + hit.Similarity) / 2
	}
	return nil
}

// ExamplesFor mines successful invocations of the named tool from stored
// traces. Results are deduplicated by argument shape, ranked by how often
// the source trace was reused, and cached for the configured TTL.
func (idx *Index) ExamplesFor(toolName string) ([]Example, error) {
	if cached, ok := idx.cache.get(toolName); ok {
		logging.IndexDebug("Example cache hit for %s", toolName)
		return cached, nil
	}

	timer := logging.StartTimer(logging.CategoryIndex, "mine_examples")
	defer timer.StopWithInfo(toolName)

	traces, err := idx.store.Successful(idx.cfg.MinSuccess)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	examples := make([]Example, 0, idx.cfg.MaxExamples)
	for _, t := range sortByUsage(traces) {
		for _, call := range t.ToolCalls {
			if call.Name != toolName {
				continue
			}
			shape := call.ArgumentKeySet()
			if seen[shape] {
				continue
			}
			seen[shape] = true
			examples = append(examples, Example{
				GoalText:      t.GoalText,
				Arguments:     call.Arguments,
				SuccessRating: t.SuccessRating,
				UsageCount:    t.UsageCount,
			})
		}
	}
	if len(examples) > idx.cfg.MaxExamples {
		examples = examples[:idx.cfg.MaxExamples]
	}

	idx.cache.set(toolName, examples)
	return examples, nil
}

// InvalidateExamples drops the cached examples for a tool, forcing the next
// ExamplesFor to re-mine the store.
func (idx *Index) InvalidateExamples(toolName string) {
	idx.cache.invalidate(toolName)
}

func sortByUsage(traces []*trace.ExecutionTrace) []*trace.ExecutionTrace {
	sorted := make([]*trace.ExecutionTrace, len(traces))
	copy(sorted, traces)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UsageCount != sorted[j].UsageCount {
			return sorted[i].UsageCount > sorted[j].UsageCount
		}
		return sorted[i].SuccessRating > sorted[j].SuccessRating
	})
	return sorted
}

// keywordScore is the fraction of query keywords found in the tool's name,
// description, or category.
func keywordScore(keywords []string, t *tools.Tool) float64 {
	if len(keywords) == 0 {
		return 0
	}
	haystack := strings.ToLower(t.Name + " " + t.Description + " " + t.Category)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}
