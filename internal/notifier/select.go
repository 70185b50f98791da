package notifier

import (
	"feedbot/internal/model"

	"github.com/samber/lo"
)

// SelectNew returns the items of snapshot (newest first) that come after the
// cursor, oldest first, i.e. in the order they have to be sent.
//
// Without a cursor only the newest item is returned, so a fresh start does not
// replay the whole feed. A cursor that is no longer in the snapshot makes every
// item new.
func SelectNew(snapshot []model.Item, cursor string, ok bool) []model.Item {
	if len(snapshot) == 0 {
		return nil
	}

	if !ok {
		return []model.Item{snapshot[0]}
	}

	_, idx, found := lo.FindIndexOf(snapshot, func(item model.Item) bool {
		return item.ID == cursor
	})
	if !found {
		idx = len(snapshot)
	}

	fresh := make([]model.Item, idx)
	copy(fresh, snapshot[:idx])

	return lo.Reverse(fresh)
}
