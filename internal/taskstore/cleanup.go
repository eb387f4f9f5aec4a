package taskstore

import (
	"context"
	"strings"
)

// junkPatterns are title/description fragments that keep showing up as
// noise from the email and calendar feeds. Matching is case-insensitive.
var junkPatterns = []string{
	"birthday",
	"bday",
	"b-day",
	"failed production deployment",
	"deployment failed",
	"deployment succeeded",
	"build failed",
	"build succeeded",
	"extraordinary general meeting",
	"annual general meeting",
	"egm",
	"agm",
	"statement is available",
	"your credit card statement",
	"folio_dpid_clid",
}

// CleanupJunk deletes every task whose title or description contains one
// of the junk patterns. Returns the number of tasks removed.
func CleanupJunk(ctx context.Context, store Store, userID string) (int, error) {
	if store == nil || strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidInput
	}
	return store.DeleteMatching(ctx, userID, junkPatterns)
}

// CleanupDuplicates collapses Canvas tasks that share a source id once
// the legacy un-prefixed form is normalized. The oldest task in each
// group survives and is rewritten to the prefixed id; the rest are
// deleted. Returns the number of duplicates removed.
func CleanupDuplicates(ctx context.Context, store Store, userID string) (int, error) {
	if store == nil || strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidInput
	}
	tasks, err := store.ListBySource(ctx, userID, SourceCanvas)
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]Task)
	order := make([]string, 0, len(tasks))
	for _, task := range tasks {
		key := normalizeCanvasSourceID(task.SourceID, task.Category)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], task)
	}

	removed := 0
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		// Duplicates go first so rewriting the survivor's source id
		// cannot collide with a row that still holds the prefixed form.
		for _, duplicate := range group[1:] {
			if err := store.Delete(ctx, userID, duplicate.ID); err != nil {
				return removed, err
			}
			removed++
		}
		keep := group[0]
		if keep.SourceID != key {
			keep.SourceID = key
			if err := store.Update(ctx, &keep); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// normalizeCanvasSourceID maps a legacy bare id like "123" to its
// prefixed form based on category. Already-prefixed ids pass through.
func normalizeCanvasSourceID(sourceID string, category Category) string {
	if strings.Contains(sourceID, "_") {
		return sourceID
	}
	switch category {
	case CategoryAssignment:
		return "assignment_" + sourceID
	case CategoryQuiz:
		return "quiz_" + sourceID
	case CategoryAnnouncement:
		return "announcement_" + sourceID
	case CategoryDiscussion:
		return "discussion_" + sourceID
	default:
		return sourceID
	}
}
