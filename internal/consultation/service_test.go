package consultation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"derm-kiosk/internal/capability"
	"derm-kiosk/internal/retrieval"
	"derm-kiosk/internal/safety"
)

type scriptedEngine struct {
	replies []EngineReply
	err     error
	calls   []EngineRequest
	block   chan struct{}
}

func (e *scriptedEngine) Respond(_ context.Context, req EngineRequest) (*EngineReply, error) {
	e.calls = append(e.calls, req)
	if e.block != nil {
		<-e.block
	}
	if e.err != nil {
		return nil, e.err
	}
	idx := len(e.calls) - 1
	if idx >= len(e.replies) {
		idx = len(e.replies) - 1
	}
	if idx < 0 {
		return &EngineReply{Text: "ok"}, nil
	}
	reply := e.replies[idx]
	return &reply, nil
}

type countingStore struct {
	inner Store
	saves int
}

func (c *countingStore) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return c.inner.GetByID(ctx, id)
}

func (c *countingStore) Save(ctx context.Context, s *Session) error {
	c.saves++
	return c.inner.Save(ctx, s)
}

type recordingReports struct {
	reports []Session
	alerts  []string
}

func (r *recordingReports) SendDoctorReport(_ context.Context, s Session) error {
	r.reports = append(r.reports, s)
	return nil
}

func (r *recordingReports) SendEmergencyAlert(_ context.Context, _ Session, message string) error {
	r.alerts = append(r.alerts, message)
	return nil
}

type stubCap struct {
	name   string
	invoke func(capability.Args) capability.Result
}

func (s *stubCap) Declaration() capability.Declaration {
	return capability.Declaration{Name: s.name, Properties: map[string]capability.Property{}}
}

func (s *stubCap) Invoke(_ context.Context, args capability.Args) capability.Result {
	return s.invoke(args)
}

func testRegistry(t *testing.T, extra ...capability.Capability) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry()
	require.NoError(t, r.Register(capability.NewSafetyCheck(safety.NewGate())))
	require.NoError(t, r.Register(capability.NewSymptomExtraction(nil, zap.NewNop())))
	for _, c := range extra {
		require.NoError(t, r.Register(c))
	}
	return r
}

func caseSearchStub(calls *[]string) capability.Capability {
	return &stubCap{
		name: capability.OpFindSimilarCases,
		invoke: func(_ capability.Args) capability.Result {
			if calls != nil {
				*calls = append(*calls, capability.OpFindSimilarCases)
			}
			return capability.Result{
				Success:   true,
				Operation: capability.OpFindSimilarCases,
				Retrieval: &capability.RetrievalOutcome{
					Cases: []retrieval.FusedCase{
						{CaseID: "c1", Condition: "Eczema", ICDCode: "L30.9", Score: 0.91},
						{CaseID: "c2", Condition: "Psoriasis", ICDCode: "L40.0", Score: 0.74},
					},
					TotalFound:   2,
					SearchMethod: "hybrid",
				},
			}
		},
	}
}

func analysisStub(calls *[]string, urgent bool) capability.Capability {
	return &stubCap{
		name: capability.OpAnalyzeImage,
		invoke: func(_ capability.Args) capability.Result {
			if calls != nil {
				*calls = append(*calls, capability.OpAnalyzeImage)
			}
			outcome := &capability.AnalysisOutcome{
				VisualDescription: "erythematous scaly patch",
				Predictions: []capability.ConditionPrediction{
					{Condition: "Eczema", ICDCode: "L30.9", Confidence: 0.72, UrgencyLevel: "routine"},
				},
				ConfidenceLevel: "medium",
			}
			if urgent {
				outcome.RequiresUrgentAttention = true
				outcome.CriticalFindings = []string{"irregular borders"}
			}
			return capability.Result{Success: true, Operation: capability.OpAnalyzeImage, Analysis: outcome}
		},
	}
}

func newTestService(t *testing.T, engine ReasoningEngine, reg *capability.Registry, reports ReportSender) (*Service, *countingStore) {
	t.Helper()
	store := &countingStore{inner: NewMemoryStore()}
	svc := NewService(store, engine, reg, safety.NewGate(), reports, zap.NewNop())
	return svc, store
}

func seedSession(t *testing.T, store Store, mutate func(*Session)) *Session {
	t.Helper()
	s := NewSession("patient-1", "en")
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, store.Save(context.Background(), s))
	return s
}

func TestProcessTurnConsentAdvancesToSubjective(t *testing.T) {
	engine := &scriptedEngine{replies: []EngineReply{{Text: "Great, tell me about your symptoms."}}}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, nil)

	res, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "Yes, I agree"})
	require.NoError(t, err)

	assert.Equal(t, StageSubjective, res.Stage)
	assert.True(t, res.StageChanged)
	assert.Equal(t, "Great, tell me about your symptoms.", res.Response)

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, saved.ConsentGiven)
	assert.Equal(t, StageSubjective, saved.Stage)
	require.Len(t, saved.History, 2)
	assert.Equal(t, "user", saved.History[0].Role)
	assert.Equal(t, "assistant", saved.History[1].Role)
	assert.Equal(t, 2, store.saves) // seed + turn
	assert.Len(t, engine.calls, 1)
}

func TestProcessTurnUnsafeMessageShortCircuits(t *testing.T) {
	engine := &scriptedEngine{replies: []EngineReply{{Text: "should never be used"}}}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Message:   "What disease do I have? Please diagnose me.",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Safety)
	assert.True(t, res.SafetyTriggered)
	assert.False(t, res.Safety.IsSafe)
	assert.Contains(t, res.Safety.Flags, string(safety.FlagDiagnosisRequest))
	assert.Equal(t, res.Safety.Redirect, res.Response)
	assert.Empty(t, engine.calls, "engine must not run for unsafe messages")

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StageSubjective, saved.Stage)
	require.Len(t, saved.History, 2)
	assert.Equal(t, res.Response, saved.History[1].Content)
}

func TestProcessTurnEmergencyAlertsDoctor(t *testing.T) {
	engine := &scriptedEngine{}
	reports := &recordingReports{}
	svc, store := newTestService(t, engine, testRegistry(t), reports)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Message:   "I suddenly have chest pain and difficulty breathing",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Safety)
	assert.True(t, res.Safety.DetectedEmergency)
	assert.Len(t, reports.alerts, 1)
	assert.Empty(t, engine.calls)
}

func TestProcessTurnRetrievalRunsBeforeAnalysis(t *testing.T) {
	var order []string
	engine := &scriptedEngine{replies: []EngineReply{
		{ToolCalls: []EngineToolCall{{Name: capability.OpAnalyzeImage, Args: map[string]any{}}}},
		{Text: "The image shows a scaly patch. This may be consistent with eczema."},
	}}
	reg := testRegistry(t, caseSearchStub(&order), analysisStub(&order, false))
	svc, store := newTestService(t, engine, reg, nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageObjective
		s.ConsentGiven = true
		s.Symptoms = []string{"itching", "redness"}
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Message:   "here is the photo",
		Image:     []byte{0xff, 0xd8, 0x01},
	})
	require.NoError(t, err)

	require.Equal(t, []string{capability.OpFindSimilarCases, capability.OpAnalyzeImage}, order)
	require.Len(t, res.Invocations, 2)
	assert.Equal(t, capability.OpFindSimilarCases, res.Invocations[0].Name)
	assert.Equal(t, capability.OpAnalyzeImage, res.Invocations[1].Name)

	// The analysis prompt carries the retrieved cases as context.
	ctxArg := res.Invocations[1].Args.String("clinical_context")
	assert.Contains(t, ctxArg, "Eczema")
	assert.Contains(t, ctxArg, "itching")

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, saved.ImageCaptured)
	require.NotNil(t, saved.Analysis)
	assert.Len(t, saved.SimilarCases, 2)
	// One transition per turn: the plan stage waits for the next check.
	assert.Equal(t, StageAssessment, saved.Stage)

	// The turn result carries the consumer contract fields.
	require.NotNil(t, res.Analysis)
	assert.Len(t, res.SimilarCases, 2)
	assert.False(t, res.RequiresImage)
	assert.False(t, res.SafetyTriggered)
	assert.False(t, res.ConsultationComplete)

	// Narration pass ran after the analysis.
	require.Len(t, engine.calls, 2)
	assert.NotEmpty(t, engine.calls[1].ToolResults)
}

func TestProcessTurnImageTurnRefreshesRetrieval(t *testing.T) {
	var order []string
	engine := &scriptedEngine{replies: []EngineReply{
		{ToolCalls: []EngineToolCall{{Name: capability.OpAnalyzeImage, Args: map[string]any{}}}},
		{Text: "Here is what the photo shows."},
	}}
	reg := testRegistry(t, caseSearchStub(&order), analysisStub(&order, false))
	svc, store := newTestService(t, engine, reg, nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageObjective
		s.ConsentGiven = true
		s.Symptoms = []string{"itching", "redness"}
		// Left over from an earlier text-only retrieval.
		s.SimilarCases = []retrieval.FusedCase{
			{CaseID: "old", Condition: "Urticaria", ICDCode: "L50.9", Score: 0.5, SourceModalities: []string{"text"}},
		}
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Message:   "photo attached",
		Image:     []byte{0xff, 0xd8, 0x03},
	})
	require.NoError(t, err)

	// Retrieval re-runs with this turn's image instead of reusing the
	// stale case list.
	require.Equal(t, []string{capability.OpFindSimilarCases, capability.OpAnalyzeImage}, order)
	require.Len(t, res.Invocations, 2)
	assert.Equal(t, capability.OpFindSimilarCases, res.Invocations[0].Name)

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, saved.SimilarCases, 2)
	assert.Equal(t, "c1", saved.SimilarCases[0].CaseID)
}

func TestProcessTurnImageFallbackWithoutToolCall(t *testing.T) {
	var order []string
	engine := &scriptedEngine{replies: []EngineReply{
		{Text: "Let me look at that."},
		{Text: "Thanks, I reviewed the photo."},
	}}
	reg := testRegistry(t, caseSearchStub(&order), analysisStub(&order, false))
	svc, store := newTestService(t, engine, reg, nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageObjective
		s.ConsentGiven = true
		s.Symptoms = []string{"itching", "redness"}
	})

	_, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Image:     []byte{0xff, 0xd8, 0x02},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{capability.OpFindSimilarCases, capability.OpAnalyzeImage}, order)
	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, saved.ImageCaptured)
}

func TestProcessTurnKeywordFallbackExtractsSymptoms(t *testing.T) {
	engine := &scriptedEngine{replies: []EngineReply{{Text: "I see. Where exactly is the rash?"}}}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Message:   "I have an itchy red rash on my arm",
	})
	require.NoError(t, err)

	require.Len(t, engine.calls, 1)
	assert.Equal(t, capability.OpExtractSymptoms, engine.calls[0].ForceOperation)

	// The fallback goes through the registry, so it shows up in the
	// turn's invocation log.
	require.Len(t, res.Invocations, 1)
	assert.Equal(t, capability.OpExtractSymptoms, res.Invocations[0].Name)
	assert.True(t, res.Invocations[0].Result.Success)

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"itching", "redness", "rash"}, saved.Symptoms)
	assert.ElementsMatch(t, []string{"itching", "redness", "rash"}, res.Symptoms)
	assert.Equal(t, StageObjective, saved.Stage)
	assert.True(t, res.StageChanged)
	assert.True(t, res.RequiresImage)
}

func TestProcessTurnRepeatedSymptomReportAdvancesStage(t *testing.T) {
	engine := &scriptedEngine{replies: []EngineReply{{Text: "Tell me more."}}}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	for i := 0; i < 2; i++ {
		_, err := svc.ProcessTurn(context.Background(), TurnInput{
			SessionID: sess.ID,
			Message:   "it still itches so much",
		})
		require.NoError(t, err)
	}

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	// Both reports count toward the stage gate; renderers dedupe.
	assert.Equal(t, []string{"itching", "itching"}, saved.Symptoms)
	assert.Equal(t, []string{"itching"}, saved.DistinctSymptoms())
	assert.Equal(t, StageObjective, saved.Stage)
}

func TestProcessTurnFailedAnalysisStillNarrated(t *testing.T) {
	var order []string
	failing := &stubCap{
		name: capability.OpAnalyzeImage,
		invoke: func(_ capability.Args) capability.Result {
			order = append(order, capability.OpAnalyzeImage)
			return capability.Failure(capability.OpAnalyzeImage, errors.New("vision model unreachable"))
		},
	}
	engine := &scriptedEngine{replies: []EngineReply{
		{Text: "Looking at the photo now.", ToolCalls: []EngineToolCall{{Name: capability.OpAnalyzeImage, Args: map[string]any{}}}},
		{Text: "I could not assess the image clearly, please retake it."},
	}}
	reg := testRegistry(t, caseSearchStub(&order), failing)
	svc, store := newTestService(t, engine, reg, nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageObjective
		s.ConsentGiven = true
		s.Symptoms = []string{"itching", "redness"}
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Image:     []byte{0xff, 0xd8, 0x04},
	})
	require.NoError(t, err)

	// The narration pass runs even though the analysis failed, and the
	// failure is part of its context.
	require.Len(t, engine.calls, 2)
	failedSeen := false
	for _, tr := range engine.calls[1].ToolResults {
		if tr.Name == capability.OpAnalyzeImage && !tr.Result.Success {
			failedSeen = true
		}
	}
	assert.True(t, failedSeen)
	assert.Equal(t, "I could not assess the image clearly, please retake it.", res.Response)

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, saved.ImageCaptured)
	assert.Nil(t, saved.Analysis)
	assert.Equal(t, StageObjective, saved.Stage)
}

func TestProcessTurnEngineFailureLeavesSessionUntouched(t *testing.T) {
	engine := &scriptedEngine{err: errors.New("transport down")}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})
	savesBefore := store.saves

	_, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "my skin itches"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	assert.Equal(t, savesBefore, store.saves)
	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, saved.Symptoms)
	assert.Empty(t, saved.History)
}

func TestProcessTurnRejectsConcurrentTurn(t *testing.T) {
	engine := &scriptedEngine{
		replies: []EngineReply{{Text: "thinking"}},
		block:   make(chan struct{}),
	}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "first turn"})
		done <- err
	}()

	// Wait for the first turn to claim the slot.
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		_, busy := svc.inFlight[sess.ID]
		return busy
	}, time.Second, 5*time.Millisecond)

	_, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "second turn"})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(engine.block)
	require.NoError(t, <-done)

	// The slot frees up once the turn finishes.
	_, err = svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "third turn"})
	require.NoError(t, err)
}

func TestProcessTurnSanitizesEngineText(t *testing.T) {
	engine := &scriptedEngine{replies: []EngineReply{{Text: "You have eczema on your arm."}}}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "so what is it"})
	require.NoError(t, err)

	assert.NotContains(t, res.Response, "You have eczema")
	assert.Contains(t, res.Response, "This may be eczema")
	assert.Contains(t, res.Response, "not a medical diagnosis")
}

func TestProcessTurnHistoryCapped(t *testing.T) {
	engine := &scriptedEngine{replies: []EngineReply{{Text: "noted"}}}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageObjective
		s.ConsentGiven = true
		s.Symptoms = []string{"itching", "redness"}
	})

	for i := 0; i < 8; i++ {
		_, err := svc.ProcessTurn(context.Background(), TurnInput{
			SessionID: sess.ID,
			Message:   fmt.Sprintf("update number %d", i),
		})
		require.NoError(t, err)
	}

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, saved.History, historyLimit)
	// Oldest entries rotated out, newest retained.
	assert.Equal(t, "update number 7", saved.History[len(saved.History)-2].Content)
}

func TestProcessTurnCompletedSessionRejected(t *testing.T) {
	engine := &scriptedEngine{}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageCompleted
	})

	_, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "hello again"})
	assert.ErrorIs(t, err, ErrSessionCompleted)
}

func TestProcessTurnUnknownSession(t *testing.T) {
	engine := &scriptedEngine{}
	svc, _ := newTestService(t, engine, testRegistry(t), nil)

	_, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: uuid.New(), Message: "hello"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFinalizeFromPlanCompletesAndReports(t *testing.T) {
	engine := &scriptedEngine{}
	reports := &recordingReports{}
	svc, store := newTestService(t, engine, testRegistry(t), reports)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StagePlan
		s.ConsentGiven = true
		s.Symptoms = []string{"itching", "redness"}
		s.ImageCaptured = true
		s.Analysis = &capability.AnalysisOutcome{
			VisualDescription: "scaly patch",
			Predictions: []capability.ConditionPrediction{
				{Condition: "Eczema", ICDCode: "L30.9", Confidence: 0.72, UrgencyLevel: "routine"},
			},
		}
	})

	final, err := svc.Finalize(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, final.Stage)
	require.NotNil(t, final.Plan)
	assert.Equal(t, "routine", final.Plan.UrgencyLevel)
	assert.NotEmpty(t, final.Plan.Guidance)
	require.Len(t, reports.reports, 1)
	assert.Equal(t, StageSummary, reports.reports[0].Stage)

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, saved.Stage)
}

func TestFinalizeRequiresPlanStage(t *testing.T) {
	engine := &scriptedEngine{}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	_, err := svc.Finalize(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StageSubjective, saved.Stage)
}

func TestFinalizeCompletedSession(t *testing.T) {
	engine := &scriptedEngine{}
	svc, store := newTestService(t, engine, testRegistry(t), nil)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageCompleted
	})

	_, err := svc.Finalize(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionCompleted)
}

func TestProcessTurnFinalizeRequestOutsidePlanLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	engine := &scriptedEngine{replies: []EngineReply{
		{Text: "All done!", ToolCalls: []EngineToolCall{{Name: capability.OpFinalizeConsultation}}},
	}}
	reports := &recordingReports{}
	store := &countingStore{inner: NewMemoryStore()}
	svc := NewService(store, engine, testRegistry(t), safety.NewGate(), reports, zap.New(core))
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StageSubjective
		s.ConsentGiven = true
	})

	res, err := svc.ProcessTurn(context.Background(), TurnInput{SessionID: sess.ID, Message: "are we done yet"})
	require.NoError(t, err)

	assert.Equal(t, StageSubjective, res.Stage)
	assert.False(t, res.ConsultationComplete)
	assert.Empty(t, reports.reports)
	assert.Equal(t, 1, logs.FilterMessage("finalize requested outside plan stage, rejected").Len())

	saved, err := store.GetByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StageSubjective, saved.Stage)
	assert.Nil(t, saved.Plan)
}

func TestFinalizeUrgentAnalysisEscalatesUrgency(t *testing.T) {
	engine := &scriptedEngine{}
	reports := &recordingReports{}
	svc, store := newTestService(t, engine, testRegistry(t), reports)
	sess := seedSession(t, store, func(s *Session) {
		s.Stage = StagePlan
		s.Analysis = &capability.AnalysisOutcome{
			RequiresUrgentAttention: true,
			Predictions: []capability.ConditionPrediction{
				{Condition: "Melanoma", ICDCode: "C43.9", UrgencyLevel: "emergency", IsCritical: true},
			},
		}
	})

	final, err := svc.Finalize(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "emergency", final.Plan.UrgencyLevel)
}
