package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// CaseStore persists the reference case library in a local SQLite file.
// Each case carries two embeddings, one per modality; searches scan the
// stored embeddings and rank by cosine similarity. The library is small
// (thousands of cases), so a linear scan is adequate.
type CaseStore struct {
	db  *sql.DB
	log *zap.Logger
}

// CaseRecord is one reference case to ingest.
type CaseRecord struct {
	ID             string      `json:"id"`
	Payload        CasePayload `json:"payload"`
	ImageEmbedding []float32   `json:"image_embedding,omitempty"`
	TextEmbedding  []float32   `json:"text_embedding,omitempty"`
}

const caseSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id              TEXT PRIMARY KEY,
	condition       TEXT NOT NULL,
	icd_code        TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	body_location   TEXT NOT NULL DEFAULT '',
	treatment       TEXT NOT NULL DEFAULT '',
	features        TEXT NOT NULL DEFAULT '[]',
	image_embedding TEXT,
	text_embedding  TEXT,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// OpenCaseStore opens (creating if needed) the case library at path.
func OpenCaseStore(path string, log *zap.Logger) (*CaseStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open case store: %w", err)
	}
	if _, err := db.Exec(caseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init case store schema: %w", err)
	}
	return &CaseStore{db: db, log: log}, nil
}

func (s *CaseStore) Close() error { return s.db.Close() }

// AddCase upserts a reference case with its embeddings.
func (s *CaseStore) AddCase(ctx context.Context, rec CaseRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("case id is required")
	}
	features, err := json.Marshal(rec.Payload.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	imageEmb, err := marshalEmbedding(rec.ImageEmbedding)
	if err != nil {
		return err
	}
	textEmb, err := marshalEmbedding(rec.TextEmbedding)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, condition, icd_code, description, body_location, treatment, features, image_embedding, text_embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			condition = excluded.condition,
			icd_code = excluded.icd_code,
			description = excluded.description,
			body_location = excluded.body_location,
			treatment = excluded.treatment,
			features = excluded.features,
			image_embedding = excluded.image_embedding,
			text_embedding = excluded.text_embedding`,
		rec.ID, rec.Payload.Condition, rec.Payload.ICDCode, rec.Payload.Description,
		rec.Payload.BodyLocation, rec.Payload.Treatment, string(features), imageEmb, textEmb)
	if err != nil {
		return fmt.Errorf("upsert case %s: %w", rec.ID, err)
	}
	return nil
}

// Count returns the number of cases in the library.
func (s *CaseStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cases").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ImageSearcher returns the image-modality view of the store.
func (s *CaseStore) ImageSearcher() VectorSearcher {
	return &columnSearcher{store: s, column: "image_embedding"}
}

// TextSearcher returns the text-modality view of the store.
func (s *CaseStore) TextSearcher() VectorSearcher {
	return &columnSearcher{store: s, column: "text_embedding"}
}

type columnSearcher struct {
	store  *CaseStore
	column string
}

func (c *columnSearcher) Search(ctx context.Context, vector []float32, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	query := fmt.Sprintf(`SELECT id, condition, icd_code, description, body_location, treatment, features, %s
		FROM cases WHERE %s IS NOT NULL AND %s != ''`, c.column, c.column, c.column)

	rows, err := c.store.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan cases: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			hit          SearchHit
			featuresJSON string
			embJSON      string
		)
		if err := rows.Scan(&hit.ID, &hit.Payload.Condition, &hit.Payload.ICDCode,
			&hit.Payload.Description, &hit.Payload.BodyLocation, &hit.Payload.Treatment,
			&featuresJSON, &embJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(featuresJSON), &hit.Payload.Features); err != nil {
			hit.Payload.Features = nil
		}

		var embedding []float32
		if err := json.Unmarshal([]byte(embJSON), &embedding); err != nil {
			c.store.log.Warn("skipping case with corrupt embedding",
				zap.String("case", hit.ID), zap.String("column", c.column))
			continue
		}

		cosine, err := CosineSimilarity(vector, embedding)
		if err != nil {
			c.store.log.Warn("skipping case with incompatible embedding",
				zap.String("case", hit.ID), zap.Error(err))
			continue
		}
		hit.Score = similarityScore(cosine)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func marshalEmbedding(v []float32) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal embedding: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
