package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"derm-kiosk/internal/capability"
	"derm-kiosk/internal/retrieval"
	"derm-kiosk/internal/safety"
)

// historyLimit caps the episodic memory carried across turns.
const historyLimit = 10

// contextCases is how many similar cases are injected into the image
// analysis as clinical context.
const contextCases = 3

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrTurnInFlight      = errors.New("a turn is already in flight for this session")
	ErrSessionCompleted  = errors.New("session is already completed")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrEngineUnavailable = errors.New("reasoning engine unavailable")
)

// ReportSender delivers finalized consultations and emergency alerts to
// the supervising doctor. We define it here to decouple from the report
// implementation.
type ReportSender interface {
	SendDoctorReport(ctx context.Context, s Session) error
	SendEmergencyAlert(ctx context.Context, s Session, message string) error
}

// TurnInput is one patient turn: a message, an image, or both.
type TurnInput struct {
	SessionID uuid.UUID
	Message   string
	Image     []byte
}

// ToolInvocation records one executed operation for the turn trace.
type ToolInvocation struct {
	Name   string            `json:"name"`
	Args   capability.Args   `json:"-"`
	Result capability.Result `json:"result"`
}

// TurnResult is what one processed turn hands back to the transport.
type TurnResult struct {
	Response             string                      `json:"response"`
	Stage                Stage                       `json:"stage"`
	StageChanged         bool                        `json:"stage_changed"`
	Symptoms             []string                    `json:"symptoms"`
	Analysis             *capability.AnalysisOutcome `json:"analysis,omitempty"`
	SimilarCases         []retrieval.FusedCase       `json:"similar_cases,omitempty"`
	RequiresImage        bool                        `json:"requires_image"`
	SafetyTriggered      bool                        `json:"safety_triggered"`
	ConsultationComplete bool                        `json:"consultation_complete"`
	Safety               *capability.SafetyOutcome   `json:"safety,omitempty"`
	Invocations          []ToolInvocation            `json:"invocations,omitempty"`
}

// Service is the consultation orchestration controller. It owns the
// per-turn protocol: inbound safety gating, engine calls, operation
// execution with deterministic fallbacks, stage advancement and the
// single atomic state save.
type Service struct {
	store    Store
	engine   ReasoningEngine
	registry *capability.Registry
	gate     *safety.Gate
	reports  ReportSender
	log      *zap.Logger

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// NewService wires the controller. reports may be nil when no doctor
// channel is configured.
func NewService(store Store, engine ReasoningEngine, registry *capability.Registry, gate *safety.Gate, reports ReportSender, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		registry: registry,
		gate:     gate,
		reports:  reports,
		log:      log,
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// CreateSession starts a consultation for a patient.
func (s *Service) CreateSession(ctx context.Context, patientID, language string) (*Session, error) {
	sess := NewSession(patientID, language)
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save new session: %w", err)
	}
	return sess, nil
}

// GetSession loads a consultation by id.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.store.GetByID(ctx, id)
}

// acquire claims the per-session turn slot.
func (s *Service) acquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// ProcessTurn runs one patient turn end to end. State mutations happen
// on a working copy and are persisted with a single save; an engine
// transport failure aborts the turn with the stored session untouched.
func (s *Service) ProcessTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	if !s.acquire(in.SessionID) {
		return nil, ErrTurnInFlight
	}
	defer s.release(in.SessionID)

	stored, err := s.store.GetByID(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if stored.Stage == StageCompleted {
		return nil, ErrSessionCompleted
	}

	sess := stored.clone()
	stageBefore := sess.Stage

	// Inbound safety gate. An unsafe message short-circuits the whole
	// turn: the redirect is returned verbatim and the engine never runs.
	if in.Message != "" {
		check := s.gate.CheckMessage(in.Message)
		if !check.Safe {
			return s.shortCircuit(ctx, sess, in.Message, check)
		}
	}

	if sess.Stage == StageGreeting && in.Message != "" && DetectConsent(in.Message) {
		sess.ConsentGiven = true
	}

	req := EngineRequest{
		Language:     sess.Language,
		Stage:        sess.Stage,
		History:      engineHistory(sess.History),
		Message:      in.Message,
		Image:        in.Image,
		Declarations: s.registry.Declarations(),
	}
	// A subjective-stage message with clinical keywords must produce a
	// symptom extraction; forcing the call keeps the extraction on the
	// model path with the keyword fallback as the backstop.
	if sess.Stage == StageSubjective && in.Message != "" && len(capability.KeywordSymptoms(in.Message)) > 0 {
		req.ForceOperation = capability.OpExtractSymptoms
	}
	reply, err := s.engine.Respond(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	var invocations []ToolInvocation
	wantFinalize := false
	var finalizeArgs capability.Args

	for _, call := range reply.ToolCalls {
		if call.Name == capability.OpFinalizeConsultation {
			wantFinalize = true
			finalizeArgs = capability.Args(call.Args)
			continue
		}
		invocations = s.execute(ctx, sess, in, call.Name, capability.Args(call.Args), invocations)
	}

	// Deterministic fallbacks. The consultation must progress even when
	// the engine declined to call the operations the stage needs.
	invocations = s.runFallbacks(ctx, sess, in, invocations)

	// A failed analysis still counts: the narration pass has to tell
	// the patient the image could not be assessed.
	analysisRan := invocationRan(invocations, capability.OpAnalyzeImage)

	response := strings.TrimSpace(reply.Text)
	if response == "" || analysisRan {
		response, err = s.narrate(ctx, sess, in, invocations, response)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
	}
	if response == "" {
		response = defaultResponse(sess.Stage)
	}
	if ok, issues := s.gate.CheckResponse(response); !ok {
		s.log.Warn("outbound narration sanitized", zap.Strings("issues", issues))
		response = s.gate.Sanitize(response)
	}

	if wantFinalize {
		if sess.Stage == StagePlan {
			if err := s.finalizeLocked(ctx, sess, finalizeArgs); err != nil {
				s.log.Warn("finalize requested by engine failed", zap.Error(err))
			}
		} else {
			s.log.Warn("finalize requested outside plan stage, rejected",
				zap.String("session_id", sess.ID.String()),
				zap.String("stage", string(sess.Stage)))
		}
	}

	s.appendTurn(sess, in.Message, response)
	stageChanged := AdvanceStage(sess)
	if sess.Stage != stageBefore {
		stageChanged = true
	}

	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.log.Info("turn processed",
		zap.String("session_id", sess.ID.String()),
		zap.String("stage", string(sess.Stage)),
		zap.Int("symptoms", len(sess.Symptoms)),
		zap.Bool("image_captured", sess.ImageCaptured),
		zap.Int("operations", len(invocations)))

	return &TurnResult{
		Response:             response,
		Stage:                sess.Stage,
		StageChanged:         stageChanged,
		Symptoms:             sess.Symptoms,
		Analysis:             sess.Analysis,
		SimilarCases:         sess.SimilarCases,
		RequiresImage:        sess.Stage == StageObjective && !sess.ImageCaptured,
		ConsultationComplete: sess.Stage == StageCompleted,
		Invocations:          invocations,
	}, nil
}

// shortCircuit handles an unsafe inbound message: the redirect template
// is the full response, state other than history is untouched.
func (s *Service) shortCircuit(ctx context.Context, sess *Session, message string, check safety.CheckResult) (*TurnResult, error) {
	flags := make([]string, 0, len(check.Flags))
	emergency := false
	for _, f := range check.Flags {
		flags = append(flags, string(f))
		if f == safety.FlagEmergencySymptoms {
			emergency = true
		}
	}

	if emergency {
		s.log.Warn("emergency symptoms reported",
			zap.String("session_id", sess.ID.String()))
		if s.reports != nil {
			if err := s.reports.SendEmergencyAlert(ctx, *sess, message); err != nil {
				s.log.Error("emergency alert failed", zap.Error(err))
			}
		}
	}

	s.appendTurn(sess, message, check.Redirect)
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	return &TurnResult{
		Response:        check.Redirect,
		Stage:           sess.Stage,
		Symptoms:        sess.Symptoms,
		Analysis:        sess.Analysis,
		SimilarCases:    sess.SimilarCases,
		RequiresImage:   sess.Stage == StageObjective && !sess.ImageCaptured,
		SafetyTriggered: true,
		Safety: &capability.SafetyOutcome{
			IsSafe:            false,
			Flags:             flags,
			Redirect:          check.Redirect,
			DetectedEmergency: emergency,
		},
	}, nil
}

// execute runs one requested operation and applies its outcome to the
// working session. Image analysis is always preceded by case retrieval
// so the analysis can be grounded in similar cases.
func (s *Service) execute(ctx context.Context, sess *Session, in TurnInput, name string, args capability.Args, invocations []ToolInvocation) []ToolInvocation {
	if args == nil {
		args = capability.Args{}
	}

	switch name {
	case capability.OpCheckMessageSafety:
		if args.String("message") == "" {
			args["message"] = in.Message
		}

	case capability.OpExtractSymptoms:
		if args.String("patient_message") == "" {
			args["patient_message"] = in.Message
		}
		if args.String("language") == "" {
			args["language"] = sess.Language
		}

	case capability.OpFindSimilarCases:
		if len(args.Bytes("image_data")) == 0 && len(in.Image) > 0 {
			args["image_data"] = in.Image
		}
		if args.StringSlice("symptoms") == nil {
			args["symptoms"] = sess.DistinctSymptoms()
		}
		if args.String("body_location") == "" {
			args["body_location"] = sess.BodyLocation
		}

	case capability.OpAnalyzeImage:
		if len(args.Bytes("image_data")) == 0 && len(args.Bytes("image_base64")) == 0 {
			args["image_data"] = in.Image
		}
		// Retrieval runs before every analysis so the context reflects
		// this turn's image, not cases left over from earlier turns.
		if !invocationRan(invocations, capability.OpFindSimilarCases) {
			invocations = s.execute(ctx, sess, in, capability.OpFindSimilarCases, capability.Args{}, invocations)
		}
		if args.String("clinical_context") == "" {
			args["clinical_context"] = clinicalContext(sess)
		}
		if args.String("language") == "" {
			args["language"] = sess.Language
		}
	}

	result := s.registry.Invoke(ctx, name, args)
	if !result.Success {
		// Operation failures are non-fatal for the turn.
		s.log.Warn("operation failed",
			zap.String("operation", name),
			zap.String("error", result.Error))
	}
	s.apply(ctx, sess, result)
	return append(invocations, ToolInvocation{Name: name, Args: args, Result: result})
}

// apply folds a successful operation outcome into the working session.
func (s *Service) apply(ctx context.Context, sess *Session, result capability.Result) {
	if !result.Success {
		return
	}
	switch {
	case result.Symptoms != nil:
		for _, sym := range result.Symptoms.Symptoms {
			addSymptom(sess, sym.Name)
			if sess.BodyLocation == "" && sym.Location != "" {
				sess.BodyLocation = sym.Location
			}
		}
	case result.Retrieval != nil:
		sess.SimilarCases = result.Retrieval.Cases
	case result.Analysis != nil:
		sess.Analysis = result.Analysis
		sess.ImageCaptured = true
		if result.Analysis.RequiresUrgentAttention {
			s.escalateAnalysis(ctx, sess)
		}
	}
}

func (s *Service) escalateAnalysis(ctx context.Context, sess *Session) {
	s.log.Warn("analysis flagged urgent attention",
		zap.String("session_id", sess.ID.String()),
		zap.Strings("critical_findings", sess.Analysis.CriticalFindings))
	if s.reports == nil {
		return
	}
	msg := "Image analysis flagged findings requiring urgent attention"
	if len(sess.Analysis.CriticalFindings) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(sess.Analysis.CriticalFindings, ", "))
	}
	if err := s.reports.SendEmergencyAlert(ctx, *sess, msg); err != nil {
		s.log.Error("emergency alert failed", zap.Error(err))
	}
}

// runFallbacks applies the deterministic fallbacks: symptom extraction
// for subjective-stage messages the engine ignored, and image
// processing for any turn that carried an image the engine did not
// analyze. Both go through the registry so they show up in the turn's
// invocation log and in the narration context.
func (s *Service) runFallbacks(ctx context.Context, sess *Session, in TurnInput, invocations []ToolInvocation) []ToolInvocation {
	if sess.Stage == StageSubjective && in.Message != "" &&
		!invocationRan(invocations, capability.OpExtractSymptoms) &&
		len(capability.KeywordSymptoms(in.Message)) > 0 {
		invocations = s.execute(ctx, sess, in, capability.OpExtractSymptoms, capability.Args{}, invocations)
	}

	if len(in.Image) > 0 && !invocationRan(invocations, capability.OpAnalyzeImage) && !sess.ImageCaptured {
		invocations = s.execute(ctx, sess, in, capability.OpAnalyzeImage, capability.Args{}, invocations)
	}

	return invocations
}

// invocationRan reports whether an operation was already invoked this
// turn, regardless of whether it succeeded.
func invocationRan(invocations []ToolInvocation, name string) bool {
	for _, inv := range invocations {
		if inv.Name == name {
			return true
		}
	}
	return false
}

// narrate runs the second engine pass so the model can phrase the
// operation outcomes for the patient.
func (s *Service) narrate(ctx context.Context, sess *Session, in TurnInput, invocations []ToolInvocation, priorText string) (string, error) {
	results := make([]EngineToolResult, 0, len(invocations))
	for _, inv := range invocations {
		results = append(results, EngineToolResult{Name: inv.Name, Result: inv.Result})
	}

	reply, err := s.engine.Respond(ctx, EngineRequest{
		Language:    sess.Language,
		Stage:       sess.Stage,
		History:     engineHistory(sess.History),
		Message:     in.Message,
		ToolResults: results,
		Instruction: "Summarize the findings for the patient in plain language and ask the next question for the current consultation stage.",
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		text = priorText
	}
	return text, nil
}

func (s *Service) appendTurn(sess *Session, userMessage, response string) {
	now := time.Now()
	if userMessage != "" {
		sess.History = append(sess.History, Message{Role: "user", Content: userMessage, Timestamp: now})
	}
	sess.History = append(sess.History, Message{Role: "assistant", Content: response, Timestamp: now})
	if len(sess.History) > historyLimit {
		sess.History = sess.History[len(sess.History)-historyLimit:]
	}
}

// Finalize closes a consultation that has reached the plan stage. The
// session moves to summary, the doctor report goes out, and the session
// completes. Finalization is the only path out of the plan stage.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (*Session, error) {
	if !s.acquire(id) {
		return nil, ErrTurnInFlight
	}
	defer s.release(id)

	stored, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := stored.clone()
	if err := s.finalizeLocked(ctx, sess, nil); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// finalizeLocked runs the finalization protocol on a working session the
// caller already holds the turn slot for. Mutations are the caller's to
// persist.
func (s *Service) finalizeLocked(ctx context.Context, sess *Session, args capability.Args) error {
	if sess.Stage == StageCompleted {
		return ErrSessionCompleted
	}
	if sess.Stage != StagePlan {
		return fmt.Errorf("%w: finalize requires the plan stage, session is in %s", ErrInvalidTransition, sess.Stage)
	}

	sess.Plan = buildPlan(sess, args)
	sess.Stage = StageSummary

	if s.reports != nil {
		if err := s.reports.SendDoctorReport(ctx, *sess); err != nil {
			// The report channel failing must not trap the patient in
			// the summary stage.
			s.log.Error("doctor report failed", zap.Error(err))
		}
	}

	sess.Stage = StageCompleted
	s.log.Info("consultation finalized", zap.String("session_id", sess.ID.String()))
	return nil
}

// buildPlan assembles the plan outcome from engine-provided arguments,
// falling back to the analysis urgency when the engine supplied none.
func buildPlan(sess *Session, args capability.Args) *capability.PlanOutcome {
	plan := &capability.PlanOutcome{UrgencyLevel: "routine"}
	if sess.Analysis != nil {
		if sess.Analysis.RequiresUrgentAttention {
			plan.UrgencyLevel = "urgent"
		}
		for _, p := range sess.Analysis.Predictions {
			if p.UrgencyLevel == "emergency" {
				plan.UrgencyLevel = "emergency"
				break
			}
		}
	}
	if args != nil {
		if g := args.String("patient_guidance"); g != "" {
			plan.Guidance = g
		}
		if steps := args.StringSlice("patient_next_steps"); steps != nil {
			plan.NextSteps = steps
		}
		if care := args.StringSlice("self_care_instructions"); care != nil {
			plan.SelfCare = care
		}
		if u := args.String("urgency_level"); u != "" {
			plan.UrgencyLevel = u
		}
		if d := args.Int("follow_up_days", 0); d > 0 {
			plan.FollowUpDays = d
		}
	}
	if plan.Guidance == "" {
		plan.Guidance = "Please review these findings with a qualified clinician."
	}
	if len(plan.NextSteps) == 0 {
		plan.NextSteps = []string{"Consult a dermatologist with this summary"}
	}
	return plan
}

// clinicalContext renders the session findings as a short prompt
// fragment for the image analysis.
func clinicalContext(sess *Session) string {
	var b strings.Builder
	if symptoms := sess.DistinctSymptoms(); len(symptoms) > 0 {
		fmt.Fprintf(&b, "Reported symptoms: %s.", strings.Join(symptoms, ", "))
	}
	if sess.BodyLocation != "" {
		fmt.Fprintf(&b, " Location: %s.", sess.BodyLocation)
	}
	limit := contextCases
	if len(sess.SimilarCases) < limit {
		limit = len(sess.SimilarCases)
	}
	for i := 0; i < limit; i++ {
		c := sess.SimilarCases[i]
		fmt.Fprintf(&b, " Similar case: %s (%s), similarity %.2f.", c.Condition, c.ICDCode, c.Score)
	}
	return strings.TrimSpace(b.String())
}

// addSymptom records every report, repeats included. A patient who
// mentions the same symptom twice has given two reports, and the
// subjective-stage gate counts both; renderers collapse repeats via
// Session.DistinctSymptoms.
func addSymptom(sess *Session, name string) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return
	}
	sess.Symptoms = append(sess.Symptoms, name)
}

func engineHistory(history []Message) []EngineMessage {
	out := make([]EngineMessage, 0, len(history))
	for _, m := range history {
		out = append(out, EngineMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func defaultResponse(stage Stage) string {
	switch stage {
	case StageGreeting:
		return "Welcome. I can help you prepare a skin consultation summary for a doctor. Do you agree to proceed?"
	case StageSubjective:
		return "Please tell me more about your symptoms: what you noticed, where, and for how long."
	case StageObjective:
		return "Thank you. Please capture a photo of the affected skin area so I can take a closer look."
	case StageAssessment, StagePlan:
		return "I have recorded the findings. We can review the summary and next steps whenever you are ready."
	default:
		return "Thank you. Your consultation summary has been prepared."
	}
}
