package report

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signintech/gopdf"
	"go.uber.org/zap"

	"derm-kiosk/internal/consultation"
)

type TelegramClient interface {
	SendMessage(chatID int64, text string) error
	SendDocument(chatID int64, fileData []byte, fileName string) error
}

// Service renders finalized consultations as SOAP-structured PDF reports
// and delivers them to the supervising doctor over Telegram. It
// implements consultation.ReportSender.
type Service struct {
	tgClient     TelegramClient
	doctorChatID int64
	log          *zap.Logger
}

func NewService(tg TelegramClient, doctorChatID int64, log *zap.Logger) *Service {
	return &Service{
		tgClient:     tg,
		doctorChatID: doctorChatID,
		log:          log,
	}
}

func (s *Service) SendDoctorReport(ctx context.Context, sess consultation.Session) error {
	s.log.Info("generating consultation report", zap.String("session_id", sess.ID.String()))

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	// DejaVuSans covers the Devanagari-free subset we render; headings
	// and data are kept in English for the doctor regardless of the
	// patient's kiosk language.
	fontPaths := []string{
		"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	}

	var fontErr error
	fontLoaded := false
	for _, path := range fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return fmt.Errorf("failed to load font for PDF, ensure ttf-dejavu is installed: %w", fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return err
	}
	pdf.Cell(nil, "Skin Consultation Report")
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 12); err != nil {
		return err
	}
	pdf.Cell(nil, fmt.Sprintf("Date: %s", time.Now().Format("02.01.2006 15:04")))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Patient ID: %s", sess.PatientID))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Session: %s    Language: %s", sess.ID, sess.Language))
	pdf.Br(25)

	writeSection := func(title string, lines []string) error {
		if err := pdf.SetFont("DejaVu", "", 14); err != nil {
			return err
		}
		pdf.Cell(nil, title)
		pdf.Br(15)
		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return err
		}
		for _, line := range lines {
			wrapped, _ := pdf.SplitText(line, 500)
			for _, l := range wrapped {
				pdf.Cell(nil, l)
				pdf.Br(12)
			}
			pdf.Br(3)
		}
		pdf.Br(12)
		return nil
	}

	subjective := []string{"- No symptoms recorded."}
	if symptoms := sess.DistinctSymptoms(); len(symptoms) > 0 {
		subjective = []string{"- Reported symptoms: " + strings.Join(symptoms, ", ")}
		if sess.BodyLocation != "" {
			subjective = append(subjective, "- Body location: "+sess.BodyLocation)
		}
	}
	if err := writeSection("Subjective", subjective); err != nil {
		return err
	}

	objective := []string{"- No image was captured."}
	if sess.ImageCaptured && sess.Analysis != nil {
		objective = []string{"- Visual findings: " + sess.Analysis.VisualDescription}
	}
	if err := writeSection("Objective", objective); err != nil {
		return err
	}

	assessment := []string{"- No analysis available."}
	if sess.Analysis != nil {
		assessment = assessment[:0]
		for _, p := range sess.Analysis.Predictions {
			line := fmt.Sprintf("- %s (%s), confidence %.2f, urgency %s", p.Condition, p.ICDCode, p.Confidence, p.UrgencyLevel)
			if p.IsCritical {
				line += " [CRITICAL]"
			}
			assessment = append(assessment, line)
		}
		if sess.Analysis.RequiresUrgentAttention {
			assessment = append(assessment, "- Requires urgent attention.")
		}
	}
	for _, c := range sess.SimilarCases {
		assessment = append(assessment, fmt.Sprintf("- Similar case: %s (%s), similarity %.2f", c.Condition, c.ICDCode, c.Score))
	}
	if len(assessment) == 0 {
		assessment = []string{"- No analysis available."}
	}
	if err := writeSection("Assessment", assessment); err != nil {
		return err
	}

	plan := []string{"- Review with the patient in person."}
	if sess.Plan != nil {
		plan = []string{"- " + sess.Plan.Guidance, "- Urgency: " + sess.Plan.UrgencyLevel}
		for _, step := range sess.Plan.NextSteps {
			plan = append(plan, "- Next step: "+step)
		}
		for _, care := range sess.Plan.SelfCare {
			plan = append(plan, "- Self care: "+care)
		}
		if sess.Plan.FollowUpDays > 0 {
			plan = append(plan, fmt.Sprintf("- Follow up in %d days", sess.Plan.FollowUpDays))
		}
	}
	if err := writeSection("Plan", plan); err != nil {
		return err
	}

	pdf.SetY(800)
	if err := pdf.SetFont("DejaVu", "", 9); err != nil {
		return err
	}
	pdf.Cell(nil, "Assembled by the intake kiosk. Not a diagnosis; for physician review.")

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to write PDF: %w", err)
	}

	fileName := fmt.Sprintf("consultation_%s.pdf", sess.ID)
	if err := s.tgClient.SendDocument(s.doctorChatID, buf.Bytes(), fileName); err != nil {
		s.log.Error("failed to deliver report", zap.Error(err))
		return err
	}
	s.log.Info("report delivered", zap.String("session_id", sess.ID.String()))
	return nil
}

// SendEmergencyAlert pushes an immediate text notification to the
// doctor, outside the normal report flow.
func (s *Service) SendEmergencyAlert(ctx context.Context, sess consultation.Session, message string) error {
	text := fmt.Sprintf("EMERGENCY FLAG\nPatient: %s\nSession: %s\nStage: %s\n\n%s",
		sess.PatientID, sess.ID, sess.Stage, message)
	if err := s.tgClient.SendMessage(s.doctorChatID, text); err != nil {
		return fmt.Errorf("send emergency alert: %w", err)
	}
	return nil
}
