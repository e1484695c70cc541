package capability

import (
	"context"
	"fmt"

	"derm-kiosk/internal/safety"
)

type safetyCapability struct {
	gate *safety.Gate
}

// NewSafetyCheck wraps the safety gate as the check_message_safety
// operation.
func NewSafetyCheck(gate *safety.Gate) Capability {
	return &safetyCapability{gate: gate}
}

func (c *safetyCapability) Declaration() Declaration {
	return Declaration{
		Name:        OpCheckMessageSafety,
		Description: "Check a patient message for diagnosis requests, prescription requests and emergency symptoms. Call this before responding to any patient message.",
		Properties: map[string]Property{
			"message": {Type: "string", Description: "The patient message to check"},
		},
		Required: []string{"message"},
	}
}

func (c *safetyCapability) Invoke(_ context.Context, args Args) Result {
	message := args.String("message")
	if message == "" {
		return Failure(OpCheckMessageSafety, fmt.Errorf("missing required parameter: message"))
	}

	check := c.gate.CheckMessage(message)
	flags := make([]string, 0, len(check.Flags))
	emergency := false
	for _, f := range check.Flags {
		flags = append(flags, string(f))
		if f == safety.FlagEmergencySymptoms {
			emergency = true
		}
	}

	return Result{
		Success:   true,
		Operation: OpCheckMessageSafety,
		Safety: &SafetyOutcome{
			IsSafe:            check.Safe,
			Flags:             flags,
			Redirect:          check.Redirect,
			DetectedEmergency: emergency,
		},
	}
}
