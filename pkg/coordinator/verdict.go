package coordinator

import (
	"regexp"

	"github.com/routa-project/routa/pkg/models"
)

// Verdict markers as they appear in gate output. Matching tolerates noise
// around the markers (emoji, checkmarks, prose) and is case-insensitive.
var (
	notApprovedRe = regexp.MustCompile(`(?i)\bNOT[\s_-]+APPROVED\b`)
	approvedRe    = regexp.MustCompile(`(?i)\bAPPROVED\b`)
)

// ParseVerdict scans gate output for verdict markers. A rejection marker
// always wins over an approval marker; ambiguous reports both and the
// rejection. Output with neither marker is BLOCKED.
func ParseVerdict(output string) (verdict models.Verdict, ambiguous bool) {
	rejected := notApprovedRe.MatchString(output)
	// Strip rejection markers first: "NOT APPROVED" contains "APPROVED".
	stripped := notApprovedRe.ReplaceAllString(output, "")
	approved := approvedRe.MatchString(stripped)

	switch {
	case rejected && approved:
		return models.VerdictNotApproved, true
	case rejected:
		return models.VerdictNotApproved, false
	case approved:
		return models.VerdictApproved, false
	default:
		return models.VerdictBlocked, false
	}
}
