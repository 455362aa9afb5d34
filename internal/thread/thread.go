// Package thread is the pure aggregation and query layer over a
// snapshot of the local message set. It groups, sorts, and counts;
// it never mutates an entity.
package thread

import (
	"sort"
	"time"

	"github.com/nhle/courier/internal/model"
)

// Order selects the sort direction within a thread group.
type Order int

const (
	// Descending is newest-first, used by list views.
	Descending Order = iota

	// Ascending is oldest-first, used by detail views.
	Ascending
)

// EffectiveTime returns the entity's ordering timestamp: the explicit
// user-supplied date when present, the author-side creation time
// otherwise.
func EffectiveTime(e model.MessageEntity) time.Time {
	if e.UserDate != nil {
		return *e.UserDate
	}
	return e.CreatedAt
}

// GroupByThread groups a snapshot by thread id, ordering each group by
// effective time in the given direction. The input is copied, never
// reordered in place; every entity appears in exactly one group.
func GroupByThread(entities []model.MessageEntity, order Order) map[string][]model.MessageEntity {
	groups := make(map[string][]model.MessageEntity)
	for _, e := range entities {
		groups[e.ThreadID] = append(groups[e.ThreadID], e)
	}

	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			ti, tj := EffectiveTime(group[i]), EffectiveTime(group[j])
			if order == Descending {
				return ti.After(tj)
			}
			return ti.Before(tj)
		})
	}

	return groups
}

// OtherThreadsWithOrigin returns the ids of every other reply chain in
// the same conversation lineage, in first-seen order: "this was
// forwarded, here are the other branches."
func OtherThreadsWithOrigin(
	entities []model.MessageEntity,
	originID string,
	excludeThreadID string,
) []string {
	seen := make(map[string]bool)
	var threads []string

	for _, e := range entities {
		if e.OriginID != originID || e.ThreadID == excludeThreadID {
			continue
		}
		if seen[e.ThreadID] {
			continue
		}
		seen[e.ThreadID] = true
		threads = append(threads, e.ThreadID)
	}

	return threads
}

// UnreadCount counts the entities in a thread sent by someone else
// whose effective timestamp lies beyond the viewer's last-read
// watermark.
func UnreadCount(
	entities []model.MessageEntity,
	lastRead time.Time,
	selfIdentity string,
) int {
	count := 0
	for _, e := range entities {
		if e.Sender == selfIdentity {
			continue
		}
		if EffectiveTime(e).After(lastRead) {
			count++
		}
	}
	return count
}

// IsDraft reports whether the entity is a local draft: no recipients
// and no remote delivery ever attempted.
func IsDraft(e model.MessageEntity) bool {
	return len(e.Recipients) == 0 && len(e.DeliveryStatus) == 0 && e.FileID == ""
}
