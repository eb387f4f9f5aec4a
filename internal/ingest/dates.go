package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Ordered free-text due-date patterns. First match wins, so the more
// specific phrasings ("due on", "deadline:") come before the generic
// "by X" and "on X" catch-alls.
var dueDatePatterns = []*regexp.Regexp{
	// "due on November 15" or "due Nov 15, 2026"
	regexp.MustCompile(`(?i)due\s+(?:on|by)?\s*([A-Za-z]+\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)`),
	// "deadline: 11/15/2026" or "deadline 11/15"
	regexp.MustCompile(`(?i)deadline[:\s]+(\d{1,2}/\d{1,2}(?:/\d{2,4})?)`),
	// "submit by November 15"
	regexp.MustCompile(`(?i)submit\s+by\s+([A-Za-z]+\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)`),
	// "due date: Nov 15"
	regexp.MustCompile(`(?i)due\s+date[:\s]+([A-Za-z]+\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)`),
	// "by November 15th"
	regexp.MustCompile(`(?i)by\s+([A-Za-z]+\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)`),
	// "on 11/15" or "on November 15"
	regexp.MustCompile(`(?i)on\s+(\d{1,2}/\d{1,2}(?:/\d{2,4})?|[A-Za-z]+\s+\d{1,2}(?:st|nd|rd|th)?)`),
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var yearPattern = regexp.MustCompile(`\d{4}`)

// extractDueDate pulls a deadline out of free text. Slash dates with
// 2-digit years are normalized to 20xx; text dates without a year take
// the base date's year, rolling forward a year when already past.
func extractDueDate(text string, base time.Time) *time.Time {
	for _, pattern := range dueDatePatterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		dateStr := strings.TrimSpace(match[1])
		if strings.Contains(dateStr, "/") {
			if parsed := parseSlashDate(dateStr, base); parsed != nil {
				return parsed
			}
			continue
		}
		if parsed := parseTextDate(dateStr, base); parsed != nil {
			return parsed
		}
	}
	return nil
}

func parseSlashDate(dateStr string, base time.Time) *time.Time {
	parts := strings.Split(dateStr, "/")
	if len(parts) < 2 {
		return nil
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return nil
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return nil
	}
	year := base.Year()
	if len(parts) > 2 {
		year, err = strconv.Atoi(parts[2])
		if err != nil {
			return nil
		}
		if year < 100 {
			year += 2000
		}
	}
	parsed := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &parsed
}

func parseTextDate(dateStr string, base time.Time) *time.Time {
	// "November 15th, 2026" -> month token + day + optional year
	fields := strings.Fields(strings.ReplaceAll(dateStr, ",", " "))
	if len(fields) < 2 {
		return nil
	}
	monthToken := strings.ToLower(fields[0])
	if len(monthToken) > 3 {
		monthToken = monthToken[:3]
	}
	month, ok := monthNames[monthToken]
	if !ok {
		return nil
	}
	dayToken := strings.TrimRight(fields[1], "stndrh")
	day, err := strconv.Atoi(dayToken)
	if err != nil || day < 1 || day > 31 {
		return nil
	}
	hasYear := false
	year := base.Year()
	if len(fields) > 2 && yearPattern.MatchString(fields[2]) {
		year, _ = strconv.Atoi(fields[2])
		hasYear = true
	}
	parsed := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	// No explicit year and already past: the writer meant next year.
	if !hasYear && parsed.Before(base) {
		parsed = parsed.AddDate(1, 0, 0)
	}
	return &parsed
}

// Time-of-day patterns for meeting extraction: "at 3pm", "15:00",
// "2:30 PM", "@ 9am".
var meetingTimePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:at|@)\s*(\d{1,2}):?(\d{2})?\s*(am|pm)`),
	regexp.MustCompile(`(?i)(\d{1,2}):(\d{2})\s*(am|pm)`),
	regexp.MustCompile(`(?i)(?:at|@)\s*(\d{1,2})\s*(am|pm)`),
	regexp.MustCompile(`(?i)(?:at|@)\s*(\d{1,2}):(\d{2})`),
}

// extractMeetingTime merges a time-of-day found in text onto dueDate.
func extractMeetingTime(text string, dueDate time.Time) *time.Time {
	for _, pattern := range meetingTimePatterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		hours, err := strconv.Atoi(match[1])
		if err != nil || hours > 23 {
			continue
		}
		minutes := 0
		meridiem := ""
		for _, group := range match[2:] {
			lower := strings.ToLower(group)
			if lower == "am" || lower == "pm" {
				meridiem = lower
			} else if group != "" {
				if m, err := strconv.Atoi(group); err == nil && m < 60 {
					minutes = m
				}
			}
		}
		if meridiem == "pm" && hours < 12 {
			hours += 12
		}
		if meridiem == "am" && hours == 12 {
			hours = 0
		}
		merged := time.Date(dueDate.Year(), dueDate.Month(), dueDate.Day(), hours, minutes, 0, 0, dueDate.Location())
		return &merged
	}
	return nil
}
