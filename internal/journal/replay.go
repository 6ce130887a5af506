package journal

import (
	"sort"

	"github.com/racewire/rt-relay/internal/models"
)

// PendingGroup is the set of unacked events for one (stream, epoch)
// pair, ready for (re-)transmission.
type PendingGroup struct {
	StreamEpoch int64
	Events      []models.Event
}

// PendingEvents computes streamKey's backlog: the journalled events
// the server has not yet acknowledged, grouped by epoch and returned
// oldest epoch first so a reconnect drains old continuity breaks
// before streaming the current one (spec.md §4.1 replay phase).
//
// Acked rows are pruned as acks arrive, so every row still journalled
// is pending except, in the ack cursor's own epoch, those at or below
// the cursor. Rows left in epochs older than the cursor's epoch (for
// example by an epoch reset) are included.
func PendingEvents(j *Journal, streamKey string) ([]PendingGroup, error) {
	ackedEpoch, ackedSeq, err := j.AckCursor(streamKey)
	if err != nil {
		return nil, err
	}

	var groups []PendingGroup

	all, err := j.UnackedEventsAcrossEpochs(streamKey, 0)
	if err != nil {
		return nil, err
	}

	byEpoch := make(map[int64][]models.Event)
	for _, ev := range all {
		if ev.StreamEpoch == ackedEpoch && ev.Seq <= ackedSeq {
			continue
		}
		byEpoch[ev.StreamEpoch] = append(byEpoch[ev.StreamEpoch], ev)
	}

	epochs := make([]int64, 0, len(byEpoch))
	for epoch := range byEpoch {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	for _, epoch := range epochs {
		groups = append(groups, PendingGroup{StreamEpoch: epoch, Events: byEpoch[epoch]})
	}

	return groups, nil
}
