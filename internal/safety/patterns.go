package safety

// Pattern tables for the safety gate. These are versioned data: edit the
// lists, not the matching code. All matching is case-insensitive substring.

// diagnosisPatterns flag messages demanding a diagnosis.
var diagnosisPatterns = []string{
	"what do i have",
	"diagnose me",
	"tell me what this is",
	"is this cancer",
	"do i have",
	"am i sick",
	"what disease",
	"what condition do i have",
}

// prescriptionPatterns flag messages demanding medication.
var prescriptionPatterns = []string{
	"what medicine should i take",
	"prescribe me",
	"what medication",
	"what drug should",
	"give me pills",
	"what cream should i use",
	"what antibiotic",
	"what steroid",
}

// emergencyPatterns flag symptoms needing immediate attention.
var emergencyPatterns = []string{
	"can't breathe",
	"difficulty breathing",
	"chest pain",
	"spreading rapidly",
	"high fever",
	"swelling throat",
	"losing consciousness",
	"severe bleeding",
	"unbearable pain",
	"purple spots",
	"blisters everywhere",
}

// definitiveDiagnosisPhrases are disallowed in outbound narration.
var definitiveDiagnosisPhrases = []string{
	"you have",
	"this is definitely",
	"this is certainly",
	"i diagnose",
	"my diagnosis is",
	"you are suffering from",
}

// prescriptionPhrases are disallowed in outbound narration.
var prescriptionPhrases = []string{
	"take this medication",
	"use this drug",
	"apply this cream",
	"i prescribe",
	"you should take",
	"mg twice daily",
	"mg once daily",
}

// namedMedications may never be recommended by name.
var namedMedications = []string{
	"ibuprofen", "aspirin", "tylenol", "acetaminophen",
	"hydrocortisone", "betamethasone", "clobetasol",
	"amoxicillin", "azithromycin", "ciprofloxacin",
	"fluconazole", "ketoconazole", "terbinafine",
}

// sanitizeReplacements soften definitive language. Replacement strings must
// not contain any phrase from the left column so Sanitize stays idempotent.
var sanitizeReplacements = [][2]string{
	{"you have", "this may be"},
	{"this is definitely", "this appears to be"},
	{"this is certainly", "this looks like"},
	{"you are suffering from", "you may be experiencing"},
	{"i diagnose", "based on what you've shared, this could be"},
}

// CriticalConditions require escalation to a physician when predicted.
var CriticalConditions = []string{
	"melanoma",
	"squamous_cell_carcinoma",
	"basal_cell_carcinoma",
	"cellulitis",
	"necrotizing_fasciitis",
	"stevens_johnson_syndrome",
	"toxic_epidermal_necrolysis",
	"meningococcal_rash",
	"anaphylaxis",
	"severe_burns",
	"pemphigus",
	"drug_reaction",
}

const diagnosisRedirect = `I understand you want to know what this is, but I'm not able to diagnose medical conditions - only a doctor can do that.

What I CAN do is:
1. Help gather information about your symptoms
2. Take photos to document your condition
3. Find similar cases in our medical database
4. Suggest what it MIGHT be (not a diagnosis)
5. Help you prepare to see a doctor

Would you like to continue describing your symptoms so I can help you prepare for a medical consultation?`

const prescriptionRedirect = `I'm not able to prescribe or recommend specific medications - that's something only a licensed doctor or pharmacist can do safely.

What I CAN suggest:
- General hygiene practices (keeping the area clean and dry)
- Over-the-counter basics like gentle soap
- When to seek medical attention

For specific treatment, please consult a healthcare provider who can examine you properly and prescribe the right medication.

Is there anything else I can help you with to prepare for your doctor visit?`

const emergencyRedirect = `The symptoms you're describing sound serious and may require immediate medical attention.

PLEASE DO NOT WAIT - Go to the nearest hospital or emergency room NOW.

If you're unable to get there yourself, call for emergency medical services or ask someone nearby to help you.

Your health and safety are the priority. We can continue this consultation after you've been seen by medical professionals.`

// Disclaimer is appended to any narration that lacks one.
const Disclaimer = "\n\nRemember: This is not a medical diagnosis. Please consult a healthcare professional for proper evaluation and treatment."
