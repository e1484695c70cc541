package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists consultation sessions.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	Save(ctx context.Context, s *Session) error
}

type postgresStore struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return &postgresStore{db: db}
}

func (r *postgresStore) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT id, patient_id, language, stage, consent_given, body_location, image_captured,
		symptoms, analysis, similar_cases, plan, history, created_at, updated_at
		FROM consultations WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	var s Session
	var symptomsJSON, analysisJSON, casesJSON, planJSON, historyJSON []byte

	err := row.Scan(
		&s.ID,
		&s.PatientID,
		&s.Language,
		&s.Stage,
		&s.ConsentGiven,
		&s.BodyLocation,
		&s.ImageCaptured,
		&symptomsJSON,
		&analysisJSON,
		&casesJSON,
		&planJSON,
		&historyJSON,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{symptomsJSON, &s.Symptoms},
		{analysisJSON, &s.Analysis},
		{casesJSON, &s.SimilarCases},
		{planJSON, &s.Plan},
		{historyJSON, &s.History},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session column: %w", err)
		}
	}
	if s.Symptoms == nil {
		s.Symptoms = []string{}
	}
	if s.History == nil {
		s.History = []Message{}
	}

	return &s, nil
}

func (r *postgresStore) Save(ctx context.Context, s *Session) error {
	symptomsJSON, err := json.Marshal(s.Symptoms)
	if err != nil {
		return err
	}
	analysisJSON, err := json.Marshal(s.Analysis)
	if err != nil {
		return err
	}
	casesJSON, err := json.Marshal(s.SimilarCases)
	if err != nil {
		return err
	}
	planJSON, err := json.Marshal(s.Plan)
	if err != nil {
		return err
	}
	historyJSON, err := json.Marshal(s.History)
	if err != nil {
		return err
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()

	query := `
		INSERT INTO consultations (id, patient_id, language, stage, consent_given, body_location,
			image_captured, symptoms, analysis, similar_cases, plan, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			stage = $4,
			consent_given = $5,
			body_location = $6,
			image_captured = $7,
			symptoms = $8,
			analysis = $9,
			similar_cases = $10,
			plan = $11,
			history = $12,
			updated_at = $14
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.PatientID, s.Language, s.Stage, s.ConsentGiven, s.BodyLocation,
		s.ImageCaptured, symptomsJSON, analysisJSON, casesJSON, planJSON, historyJSON,
		s.CreatedAt, s.UpdatedAt)
	return err
}

// MemoryStore keeps sessions in process memory. It backs tests and
// kiosk deployments that run without postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*Session)}
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.clone()
	return nil
}
