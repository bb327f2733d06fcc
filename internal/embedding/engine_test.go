package embedding

import (
	"math"
	"testing"

	"goalforge/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}
	d := []float32{-1, 0, 0}

	sim, err := CosineSimilarity(a, b)
	if err != nil || math.Abs(sim-1.0) > 1e-9 {
		t.Errorf("identical vectors: sim=%v err=%v, want 1.0", sim, err)
	}
	sim, _ = CosineSimilarity(a, c)
	if math.Abs(sim) > 1e-9 {
		t.Errorf("orthogonal vectors: sim=%v, want 0", sim)
	}
	sim, _ = CosineSimilarity(a, d)
	if math.Abs(sim+1.0) > 1e-9 {
		t.Errorf("opposite vectors: sim=%v, want -1", sim)
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if sim != 0 {
		t.Errorf("zero vector sim = %v, want 0", sim)
	}
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal
		{1, 0},       // identical
		{0.9, 0.1},   // close
		{1, 0, 0, 0}, // wrong dimensions, skipped
	}

	results := FindTopK(query, corpus, 2)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Index != 1 {
		t.Errorf("top result index = %d, want 1", results[0].Index)
	}
	if results[1].Index != 2 {
		t.Errorf("second result index = %d, want 2", results[1].Index)
	}
}

func TestNewEngineNoneProvider(t *testing.T) {
	engine, err := NewEngine(config.EmbeddingConfig{Provider: "none"}, "")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if engine != nil {
		t.Error("'none' provider should yield nil engine")
	}
}

func TestNewEngineUnknownProvider(t *testing.T) {
	if _, err := NewEngine(config.EmbeddingConfig{Provider: "weird"}, ""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewEngineGenAIRequiresKey(t *testing.T) {
	if _, err := NewEngine(config.EmbeddingConfig{Provider: "genai"}, ""); err == nil {
		t.Fatal("expected error when GenAI key missing")
	}
}
