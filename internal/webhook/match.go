package webhook

import "strings"

// MatchAll is the filter that selects every event type.
const MatchAll = "*"

// Matches reports whether an event type is selected by a subscription filter.
//
// The filter is either "*" or a comma separated list. Entries compare
// case-insensitively; an entry ending in "*" matches any event type that starts
// with the text before the star. Blank entries are ignored.
func Matches(filter, eventType string) bool {
	filter = strings.TrimSpace(filter)
	if filter == MatchAll {
		return true
	}
	for _, entry := range strings.Split(filter, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, eventType) {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if len(eventType) >= len(prefix) && strings.EqualFold(eventType[:len(prefix)], prefix) {
				return true
			}
		}
	}
	return false
}

// ValidFilter reports whether a filter has at least one usable entry.
func ValidFilter(filter string) bool {
	for _, entry := range strings.Split(filter, ",") {
		if strings.TrimSpace(entry) != "" {
			return true
		}
	}
	return false
}
