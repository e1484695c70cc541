package consultation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Transcriber converts patient audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer converts assistant text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

type Handler struct {
	svc *Service
	stt Transcriber
	tts Synthesizer
}

// NewHandler builds the HTTP handler. stt and tts may be nil when the
// speech sidecar is not configured; the speech routes then return 503.
func NewHandler(svc *Service, stt Transcriber, tts Synthesizer) *Handler {
	return &Handler{svc: svc, stt: stt, tts: tts}
}

type CreateSessionRequest struct {
	PatientID string `json:"patient_id"`
	Language  string `json:"language"`
}

type MessageRequest struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		req.PatientID = uuid.NewString()
	}

	sess, err := h.svc.CreateSession(r.Context(), req.PatientID, req.Language)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"session_id": sess.ID.String(),
		"stage":      string(sess.Stage),
		"language":   sess.Language,
	})
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	var image []byte
	if req.ImageBase64 != "" {
		raw := req.ImageBase64
		if strings.HasPrefix(raw, "data:image") {
			if i := strings.IndexByte(raw, ','); i >= 0 {
				raw = raw[i+1:]
			}
		}
		image, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			http.Error(w, "Invalid image encoding", http.StatusBadRequest)
			return
		}
	}
	if req.Message == "" && len(image) == 0 {
		http.Error(w, "Empty turn: provide a message or an image", http.StatusBadRequest)
		return
	}

	result, err := h.svc.ProcessTurn(r.Context(), TurnInput{
		SessionID: id,
		Message:   req.Message,
		Image:     image,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	sess, err := h.svc.Finalize(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		http.Error(w, "Speech service not configured", http.StatusServiceUnavailable)
		return
	}

	r.ParseMultipartForm(10 << 20)
	file, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error retrieving audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		http.Error(w, "Failed to read audio file", http.StatusInternalServerError)
		return
	}

	text, err := h.stt.Transcribe(r.Context(), buf.Bytes())
	if err != nil {
		http.Error(w, "Transcription failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"text": text})
}

type SynthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (h *Handler) HandleSynthesize(w http.ResponseWriter, r *http.Request) {
	if h.tts == nil {
		http.Error(w, "Speech service not configured", http.StatusServiceUnavailable)
		return
	}

	var req SynthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	audio, err := h.tts.Synthesize(r.Context(), req.Text, req.Language)
	if err != nil {
		http.Error(w, "Synthesis failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrTurnInFlight), errors.Is(err, ErrSessionCompleted), errors.Is(err, ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrEngineUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, "Processing failed: "+err.Error(), http.StatusInternalServerError)
	}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/message", h.HandleMessage)
		r.Post("/consultation", h.CreateSession)
		r.Get("/consultation/{id}", h.GetSession)
		r.Post("/consultation/{id}/finalize", h.FinalizeSession)
	})
	r.Route("/api/speech", func(r chi.Router) {
		r.Post("/transcribe", h.HandleTranscribe)
		r.Post("/synthesize", h.HandleSynthesize)
	})
}
