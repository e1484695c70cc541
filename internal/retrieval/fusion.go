package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fusion constants. These are fixed policy values, not tunables: fused
// scores must reproduce exactly across deployments.
const (
	// textWeight down-weights cases found only by text similarity.
	textWeight = 0.8
	// crossModalBonus rewards cases independently retrieved by both
	// modalities.
	crossModalBonus = 0.1

	defaultTopK = 5
)

// Query describes one retrieval request. At least one of Image or
// Symptoms/BodyLocation must be set for the search to return anything.
type Query struct {
	Image        []byte
	Symptoms     []string
	BodyLocation string
	TopK         int
}

// Fusion combines image-similarity and text-similarity search results into
// one ranked list.
type Fusion struct {
	embedder Embedder
	images   VectorSearcher
	texts    VectorSearcher
	log      *zap.Logger
}

func NewFusion(embedder Embedder, images, texts VectorSearcher, log *zap.Logger) *Fusion {
	return &Fusion{embedder: embedder, images: images, texts: texts, log: log}
}

// FindSimilarCases runs both modality searches and fuses their results.
//
// Scoring: a case found only by image keeps its image score; a case found
// only by text gets 0.8 * text score; a case found by both gets
// (image + text)/2 + 0.1. All fused scores are clamped into [0,1]. The
// result is sorted descending by score with ties broken by input order
// (image results first) and truncated to TopK.
//
// A failure in one modality is logged and the other modality's results are
// still fused; an error is returned only when every attempted branch
// failed.
func (f *Fusion) FindSimilarCases(ctx context.Context, q Query) ([]FusedCase, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	queryText := strings.TrimSpace(strings.Join(append(append([]string{}, q.Symptoms...), q.BodyLocation), " "))

	var (
		mu        sync.Mutex
		imageHits []SearchHit
		textHits  []SearchHit
		attempted int
		errs      []error
	)

	// The two branches query independent stores and may run concurrently.
	g, gctx := errgroup.WithContext(ctx)

	if len(q.Image) > 0 {
		attempted++
		g.Go(func() error {
			hits, err := f.searchImage(gctx, q.Image, topK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.log.Warn("image retrieval failed", zap.Error(err))
				errs = append(errs, err)
				return nil
			}
			imageHits = hits
			return nil
		})
	}

	if queryText != "" {
		attempted++
		g.Go(func() error {
			hits, err := f.searchText(gctx, queryText, topK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.log.Warn("text retrieval failed", zap.Error(err))
				errs = append(errs, err)
				return nil
			}
			textHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if attempted > 0 && len(errs) == attempted {
		return nil, fmt.Errorf("retrieval failed on all modalities: %v", errs)
	}

	return Fuse(imageHits, textHits, topK), nil
}

func (f *Fusion) searchImage(ctx context.Context, image []byte, topK int) ([]SearchHit, error) {
	vector, err := f.embedder.EmbedImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("image embedding: %w", err)
	}
	hits, err := f.images.Search(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("image search: %w", err)
	}
	return hits, nil
}

func (f *Fusion) searchText(ctx context.Context, query string, topK int) ([]SearchHit, error) {
	vector, err := f.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("text embedding: %w", err)
	}
	hits, err := f.texts.Search(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	return hits, nil
}

// Fuse applies the fixed fusion rule to the two ranked hit lists. It is a
// pure function, exported separately from Fusion so the scoring policy can
// be tested without searchers.
func Fuse(imageHits, textHits []SearchHit, topK int) []FusedCase {
	fused := make([]FusedCase, 0, len(imageHits)+len(textHits))
	index := make(map[string]int, len(imageHits))

	for _, hit := range imageHits {
		index[hit.ID] = len(fused)
		fused = append(fused, FusedCase{
			CaseID:           hit.ID,
			Condition:        hit.Payload.Condition,
			ICDCode:          hit.Payload.ICDCode,
			Score:            clamp01(hit.Score),
			SourceModalities: []string{ModalityImage},
			Features:         hit.Payload.Features,
			TreatmentNote:    hit.Payload.Treatment,
		})
	}

	for _, hit := range textHits {
		if i, ok := index[hit.ID]; ok {
			// Independently corroborated by both modalities.
			fused[i].Score = clamp01((fused[i].Score+hit.Score)/2 + crossModalBonus)
			fused[i].SourceModalities = append(fused[i].SourceModalities, ModalityText)
			continue
		}
		index[hit.ID] = len(fused)
		fused = append(fused, FusedCase{
			CaseID:           hit.ID,
			Condition:        hit.Payload.Condition,
			ICDCode:          hit.Payload.ICDCode,
			Score:            clamp01(hit.Score * textWeight),
			SourceModalities: []string{ModalityText},
			Features:         hit.Payload.Features,
			TreatmentNote:    hit.Payload.Treatment,
		})
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})

	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
