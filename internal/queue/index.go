package queue

import (
	"strings"

	"fieldsync/internal/models"
)

// indexKey orders items high to low priority, then oldest first. The id
// breaks ties between items enqueued in the same instant.
type indexKey struct {
	rank int
	ts   int64
	id   string
}

func keyOf(item *models.QueueItem) indexKey {
	return indexKey{rank: item.Priority.Rank(), ts: item.Timestamp.UnixNano(), id: item.ID}
}

type indexOrder struct{}

func (indexOrder) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(indexKey), rhs.(indexKey)
	switch {
	case l.rank != r.rank:
		return cmpInt(int64(l.rank), int64(r.rank))
	case l.ts != r.ts:
		return cmpInt(l.ts, r.ts)
	default:
		return strings.Compare(l.id, r.id)
	}
}

// CalcScore must agree with Compare, so only the rank contributes.
func (indexOrder) CalcScore(key interface{}) float64 {
	return float64(key.(indexKey).rank)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
