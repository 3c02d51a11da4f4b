package conversation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"usecasehub/pkg/domain"
)

// PairHistory converts the backend's raw alternating history entries
// [question, answer, question, ...] into turns. A trailing unpaired question
// becomes a turn with nil Bot. Empty entries are rejected instead of being
// dropped, so a corrupted conversation surfaces as an error.
func PairHistory(raw []string) ([]domain.ChatTurn, error) {
	for i, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			return nil, fmt.Errorf("conversation history entry %d is empty", i)
		}
	}
	turns := make([]domain.ChatTurn, 0, (len(raw)+1)/2)
	for i := 0; i < len(raw); i += 2 {
		turn := domain.ChatTurn{User: raw[i]}
		if i+1 < len(raw) {
			bot := raw[i+1]
			turn.Bot = &bot
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// lastUserEntry returns the most recent question in a raw history.
func lastUserEntry(raw []string) string {
	if len(raw) == 0 {
		return ""
	}
	if len(raw)%2 == 1 {
		return raw[len(raw)-1]
	}
	return raw[len(raw)-2]
}

// DayGroup is one calendar day of the sidebar, newest entries first.
type DayGroup struct {
	Label   string                `json:"label"`
	Entries []domain.HistoryEntry `json:"entries"`
}

// GroupByDay groups conversations by their local calendar day. Groups and
// the entries inside them are ordered by timestamp descending; the input
// order does not matter.
func GroupByDay(entries []domain.HistoryEntry, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	sorted := make([]domain.HistoryEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp > sorted[j].Timestamp
	})

	var groups []DayGroup
	for _, entry := range sorted {
		label := time.Unix(entry.Timestamp, 0).In(loc).Format("Mon Jan 02 2006")
		if n := len(groups); n > 0 && groups[n-1].Label == label {
			groups[n-1].Entries = append(groups[n-1].Entries, entry)
			continue
		}
		groups = append(groups, DayGroup{Label: label, Entries: []domain.HistoryEntry{entry}})
	}
	return groups
}
