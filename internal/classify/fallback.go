package classify

import (
	"strings"

	"github.com/claritihq/tasksync/internal/taskstore"
)

// exclusionKeywords force not-important regardless of provider. The list
// is deliberately fixed and visible so the policy is testable without
// any model call.
var exclusionKeywords = []string{
	"birthday",
	"bday",
	"b-day",
	"anniversary",
	"attendance",
	"congrats",
	"congratulations",
	"happy hour",
	"party",
	"wedding",
	"unsubscribe",
}

// Fallback is the deterministic stand-in used whenever the model call
// fails. It is permissive for provider kinds that are typically
// actionable (Canvas coursework, flagged email) and conservative for
// chatter-heavy ones (Slack messages, calendar events), with the
// exclusion keywords vetoing everything.
func Fallback(req Request) Result {
	excerpt := strings.ToLower(req.Excerpt)
	for _, keyword := range exclusionKeywords {
		if strings.Contains(excerpt, keyword) {
			return Result{
				Important:   false,
				Title:       truncate(req.Excerpt, 100),
				Description: truncate(req.Excerpt, 300),
			}
		}
	}
	return Result{
		Important:   defaultImportant(req.Provider, req.Kind),
		Title:       truncate(req.Excerpt, 100),
		Description: truncate(req.Excerpt, 300),
	}
}

func defaultImportant(provider taskstore.Source, kind Kind) bool {
	switch provider {
	case taskstore.SourceCanvas:
		// Coursework passed the due-date gates before reaching here.
		return true
	case taskstore.SourceGmail:
		// Gmail items were already keyword-gated by the normalizer.
		return true
	case taskstore.SourceSlack, taskstore.SourceGoogleCalendar:
		return false
	default:
		return false
	}
}
