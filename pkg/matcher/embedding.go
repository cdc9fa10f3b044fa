package matcher

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// EmbeddingConfig selects an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions requests shortened vectors when the model supports it.
	Dimensions int
}

// NewEmbedding returns a Matcher that scores by cosine similarity of
// embedding vectors. Document vectors are computed on first use and cached.
func NewEmbedding(catalog *Catalog, cfg EmbeddingConfig, opts *Options) (*Matcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("matcher: embedding api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("matcher: embedding model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	s := &embeddingScorer{
		client: openai.NewClient(reqOpts...),
		model:  cfg.Model,
		dims:   cfg.Dimensions,
		cache:  make(map[string][]float64),
	}
	return newMatcher(catalog, s, opts), nil
}

type embeddingScorer struct {
	client openai.Client
	model  string
	dims   int

	mu    sync.Mutex
	cache map[string][]float64
}

func (e *embeddingScorer) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	e.mu.Lock()
	var missing []string
	pending := make(map[string]bool)
	for _, d := range docs {
		if _, ok := e.cache[d]; !ok && !pending[d] {
			pending[d] = true
			missing = append(missing, d)
		}
	}
	e.mu.Unlock()

	vecs, err := e.embed(ctx, append([]string{query}, missing...))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	for i, d := range missing {
		e.cache[d] = vecs[i+1]
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = denseCosine(vecs[0], e.cache[d])
	}
	e.mu.Unlock()
	return out, nil
}

func (e *embeddingScorer) embed(ctx context.Context, texts []string) ([][]float64, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dims > 0 {
		params.Dimensions = openai.Int(int64(e.dims))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("matcher: embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("matcher: embeddings returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("matcher: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func denseCosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, sim)
}
