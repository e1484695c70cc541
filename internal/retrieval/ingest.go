package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// SeedFromFile loads case records with precomputed embeddings from a
// JSON file into the case store. An already populated store is left
// alone so kiosk restarts do not rewrite the corpus. Returns the number
// of cases loaded.
func SeedFromFile(ctx context.Context, store *CaseStore, path string, log *zap.Logger) (int, error) {
	count, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info("case store already populated", zap.Int("cases", count))
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read case seed: %w", err)
	}

	var records []CaseRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0, fmt.Errorf("decode case seed: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		if rec.ID == "" {
			log.Warn("skipping seed case without id", zap.String("condition", rec.Payload.Condition))
			continue
		}
		if err := store.AddCase(ctx, rec); err != nil {
			return loaded, fmt.Errorf("seed case %s: %w", rec.ID, err)
		}
		loaded++
	}

	log.Info("case store seeded", zap.Int("cases", loaded), zap.String("path", path))
	return loaded, nil
}
