package policy

import (
	"fmt"
	"strings"

	"github.com/upb/prompt-firewall/models"
)

// DisabledMode controls what a disabled pii/injection policy does to detection
type DisabledMode string

const (
	// DisabledModeAction drops only the disabled policy's action; the built-in
	// finding still fires at its library severity.
	DisabledModeAction DisabledMode = "action"
	// DisabledModeDetection suppresses a built-in finding when every policy
	// referencing it is disabled.
	DisabledModeDetection DisabledMode = "detection"
)

// ParseDisabledMode parses a configured mode; empty means DisabledModeAction
func ParseDisabledMode(s string) (DisabledMode, error) {
	switch DisabledMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DisabledModeAction:
		return DisabledModeAction, nil
	case DisabledModeDetection:
		return DisabledModeDetection, nil
	}
	return "", fmt.Errorf("invalid disabled policy mode %q (want action or detection)", s)
}

// DefaultAction governs findings no enabled policy references
const DefaultAction = models.ActionWarn

// Governance is the outcome of resolving one finding against the tenant's policies
type Governance struct {
	// Policy is nil when the system default applies
	Policy *models.Policy
	Action models.Action
}
