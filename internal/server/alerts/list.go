package alerts

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/4Noyis/netpulse/internal/server/models"
)

// StatusAll disables the status filter of List.
const StatusAll = "all"

var (
	ErrInvalidStatus = errors.New("invalid alert status filter")
	ErrInvalidSort   = errors.New("invalid alert sort field")
)

type compareFunc func(a, b *models.AlertRecord) int

func compareString(a, b string) int { return strings.Compare(a, b) }

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareOptional orders missing values before present ones.
func compareOptional(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return compareFloat(*a, *b)
}

func compareKey(a, b *models.AlertRecord) int { return compareString(a.AlertKey, b.AlertKey) }

// sortFields maps every stored field to its comparison.
var sortFields = map[string]compareFunc{
	"alert_key":     compareKey,
	"occurrence_id": func(a, b *models.AlertRecord) int { return compareString(a.OccurrenceID, b.OccurrenceID) },
	"hostname":      func(a, b *models.AlertRecord) int { return compareString(a.Hostname, b.Hostname) },
	"alert_type":    func(a, b *models.AlertRecord) int { return compareString(a.AlertType, b.AlertType) },
	"specific_target": func(a, b *models.AlertRecord) int {
		return compareString(a.Target(), b.Target())
	},
	"status":               func(a, b *models.AlertRecord) int { return compareString(a.Status, b.Status) },
	"message":              func(a, b *models.AlertRecord) int { return compareString(a.Message, b.Message) },
	"current_value":        func(a, b *models.AlertRecord) int { return compareOptional(a.CurrentValue, b.CurrentValue) },
	"threshold_value":      func(a, b *models.AlertRecord) int { return compareOptional(a.ThresholdValue, b.ThresholdValue) },
	"first_triggered_unix": func(a, b *models.AlertRecord) int { return compareFloat(a.FirstTriggeredUnix, b.FirstTriggeredUnix) },
	"last_active_unix":     func(a, b *models.AlertRecord) int { return compareFloat(a.LastActiveUnix, b.LastActiveUnix) },
	"resolved_unix":        func(a, b *models.AlertRecord) int { return compareOptional(a.ResolvedUnix, b.ResolvedUnix) },
}

// SortFields lists the accepted sort field names.
func SortFields() []string {
	return sortedKeys(sortFields)
}

// defaultOrder puts the most recently active first, then the most recently
// opened.
func defaultOrder(a, b *models.AlertRecord) int {
	if c := compareFloat(b.LastActiveUnix, a.LastActiveUnix); c != 0 {
		return c
	}
	return compareFloat(b.FirstTriggeredUnix, a.FirstTriggeredUnix)
}

// sortRows orders rows by cmp, reversed when desc. The alert key breaks ties
// so the order is stable for a given sort field.
func sortRows(rows []models.AlertRecord, cmp compareFunc, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		c := cmp(&rows[i], &rows[j])
		if desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return rows[i].AlertKey < rows[j].AlertKey
	})
}

// List returns copies of the rows matching status ("active", "resolved" or
// "all"; empty means all). An empty sortField uses the default order and
// ignores desc.
func (e *Engine) List(status, sortField string, desc bool) ([]models.AlertRecord, error) {
	switch status {
	case "", StatusAll, models.AlertActive, models.AlertResolved:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	cmp := compareFunc(defaultOrder)
	if sortField != "" {
		var ok bool
		if cmp, ok = sortFields[sortField]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSort, sortField)
		}
	} else {
		desc = false
	}

	e.mu.Lock()
	out := make([]models.AlertRecord, 0)
	for _, byKey := range e.rows {
		for _, row := range byKey {
			if status == "" || status == StatusAll || row.Status == status {
				out = append(out, *row)
			}
		}
	}
	e.mu.Unlock()

	sortRows(out, cmp, desc)
	return out, nil
}
