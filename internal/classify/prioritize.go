package classify

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/claritihq/tasksync/internal/taskstore"
)

// Score is the outcome of the prioritization pass for one task.
type Score struct {
	Priority  int
	Urgency   int
	Reasoning string
}

var (
	priorityPattern  = regexp.MustCompile(`Priority:\s*(\d+)`)
	urgencyPattern   = regexp.MustCompile(`Urgency:\s*(\d+)`)
	reasoningPattern = regexp.MustCompile(`(?s)Reasoning:\s*(.+)`)
)

// Prioritize asks the model for a priority (0-10) and urgency (1-10)
// score in a fixed line format. Any failure resolves through the
// deadline-proximity fallback so the pass always produces a score.
func (c *Classifier) Prioritize(ctx context.Context, task taskstore.Task, now time.Time) Score {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	score, err := c.prioritize(ctx, task, now)
	if err != nil {
		c.logger.Printf("prioritize fallback for task %s: %v", task.ID, err)
		return FallbackScore(task.DueDate, now)
	}
	return score
}

func (c *Classifier) prioritize(ctx context.Context, task taskstore.Task, now time.Time) (Score, error) {
	if c.chat == nil {
		return Score{}, fmt.Errorf("no chat client configured")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this task and provide a priority score (0-10) and urgency score (1-10):\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", truncate(task.Description, 300))
	}
	if task.Course != "" {
		fmt.Fprintf(&b, "Course: %s\n", task.Course)
	}
	if task.DueDate != nil {
		fmt.Fprintf(&b, "Days until due: %d\n", daysUntil(*task.DueDate, now))
	} else {
		b.WriteString("No due date\n")
	}
	fmt.Fprintf(&b, "Source: %s\n\n", task.Source)
	b.WriteString(`Consider:
- Deadline proximity (high weight)
- Academic importance (medium weight)
- Task type (assignment > meeting > reading)

Respond in this exact format:
Priority: [0-10]
Urgency: [1-10]
Reasoning: [brief explanation]`)

	reply, err := c.chat.Chat(ctx, b.String())
	if err != nil {
		return Score{}, err
	}
	return parseScore(reply)
}

func parseScore(reply string) (Score, error) {
	score := Score{Priority: 5, Urgency: 5, Reasoning: "No reasoning provided"}
	matched := false
	if m := priorityPattern.FindStringSubmatch(reply); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			score.Priority = clamp(n, 0, 10)
			matched = true
		}
	}
	if m := urgencyPattern.FindStringSubmatch(reply); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			score.Urgency = clamp(n, 1, 10)
			matched = true
		}
	}
	if m := reasoningPattern.FindStringSubmatch(reply); m != nil {
		score.Reasoning = strings.TrimSpace(m[1])
	}
	if !matched {
		return Score{}, fmt.Errorf("score reply has no Priority/Urgency lines")
	}
	return score, nil
}

// FallbackScore ranks purely on deadline proximity. Tasks without a due
// date sit in the middle of the range.
func FallbackScore(dueDate *time.Time, now time.Time) Score {
	days := 30
	if dueDate != nil {
		days = daysUntil(*dueDate, now)
	}
	score := Score{Priority: 5, Urgency: 5, Reasoning: "Calculated based on deadline proximity"}
	switch {
	case days <= 1:
		score.Priority, score.Urgency = 10, 10
	case days <= 3:
		score.Priority, score.Urgency = 8, 9
	case days <= 7:
		score.Priority, score.Urgency = 6, 7
	}
	return score
}

func daysUntil(due, now time.Time) int {
	return int(math.Ceil(due.Sub(now).Hours() / 24))
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
