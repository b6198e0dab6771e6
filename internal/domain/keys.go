package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel trims and NFKC-normalises free-text labels such as department or level names.
func NormalizeLabel(value string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(value)), " ")
}

// LabelKey returns a case-folded comparison key for a label.
func LabelKey(value string) string {
	return cases.Fold().String(NormalizeLabel(value))
}

// SameLabel reports whether two labels refer to the same department, level, or location.
func SameLabel(a, b string) bool {
	return LabelKey(a) == LabelKey(b)
}

// BudgetID derives the ledger row ID for a (cycle, department, manager) key.
func BudgetID(cycleID, department, managerID string) string {
	return "bud_" + digest(cycleID, LabelKey(department), strings.TrimSpace(managerID))
}

// RecommendationID derives the recommendation ID for a (cycle, employee, type) key.
func RecommendationID(cycleID, employeeID string, recType RecommendationType) string {
	return "rec_" + digest(cycleID, strings.TrimSpace(employeeID), string(recType))
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])[:26]
}
