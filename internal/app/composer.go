package app

import (
	"fmt"
	"strings"

	"github.com/oslerlabs/patientsim/internal/session"
)

// Compile-time assertion that PatientComposer implements session.Composer.
var _ session.Composer = PatientComposer{}

// PatientComposer renders the instruction payload pushed to the realtime
// provider whenever the encounter phase or gating state changes. The
// scenario persona itself is part of the initial instructions supplied at
// conversation start; refreshes carry the state-dependent guidance.
type PatientComposer struct{}

// Compose implements [session.Composer].
func (PatientComposer) Compose(phase string, outstandingGates []string) string {
	var b strings.Builder
	b.WriteString("You are a simulated patient in a clinical training encounter. Stay in character and answer only what the student asks.")
	if phase != "" {
		fmt.Fprintf(&b, "\n\nCurrent encounter phase: %s.", phase)
	}
	if len(outstandingGates) > 0 {
		fmt.Fprintf(&b, "\nDo not volunteer the following findings unless the student asks directly: %s.",
			strings.Join(outstandingGates, ", "))
	}
	return b.String()
}
