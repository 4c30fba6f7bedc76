package bus

import "strings"

// VerdictStatus is the normalized pass/fail/unknown result of a CI gate run.
type VerdictStatus string

const (
	VerdictPass    VerdictStatus = "pass"
	VerdictFail    VerdictStatus = "fail"
	VerdictUnknown VerdictStatus = "unknown"
)

// Verdict is a normalized CI gate result.
type Verdict struct {
	Status    VerdictStatus  `json:"status"`
	FailCodes []string       `json:"fail_codes"`
	TaskCode  string         `json:"task_code,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NormalizeVerdictStatus maps the many verdict status spellings seen in the
// wild to the three-value enum. Unrecognized strings fall back to
// "unknown" rather than a guessed mapping.
func NormalizeVerdictStatus(raw string) VerdictStatus {
	switch strings.ToLower(raw) {
	case "pass", "passed", "ok", "success":
		return VerdictPass
	case "fail", "failed", "error":
		return VerdictFail
	default:
		return VerdictUnknown
	}
}
