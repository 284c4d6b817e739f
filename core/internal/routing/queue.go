package routing

import (
	"sort"
	"sync"
	"time"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/metricsx"
)

type QueueEntry struct {
	InteractionID string          `json:"interaction_id"`
	Priority      models.Priority `json:"priority"`
	CreatedAt     time.Time       `json:"created_at"`
}

// less orders higher priority first, then older interactions, then id.
func (e QueueEntry) less(o QueueEntry) bool {
	if e.Priority.Rank() != o.Priority.Rank() {
		return e.Priority.Rank() > o.Priority.Rank()
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.InteractionID < o.InteractionID
}

// WaitQueues holds one ordered queue per tenant team. An interaction waits in
// at most one queue per tenant.
type WaitQueues struct {
	queues sync.Map // tenant|team -> *teamQueue
	index  sync.Map // tenant|interaction -> team id
}

type teamQueue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

func NewWaitQueues() *WaitQueues {
	return &WaitQueues{}
}

func queueKey(tenantID string, id string) string {
	return tenantID + "|" + id
}

func (w *WaitQueues) queue(tenantID string, teamID string) *teamQueue {
	v, _ := w.queues.LoadOrStore(queueKey(tenantID, teamID), &teamQueue{})
	return v.(*teamQueue)
}

// Enqueue places e on the team's queue, moving it there from any other team.
func (w *WaitQueues) Enqueue(tenantID string, teamID string, e QueueEntry) {
	if prev, ok := w.index.Load(queueKey(tenantID, e.InteractionID)); ok && prev.(string) != teamID {
		w.removeFrom(tenantID, prev.(string), e.InteractionID)
	}
	q := w.queue(tenantID, teamID)
	q.mu.Lock()
	q.entries = removeEntry(q.entries, e.InteractionID)
	pos := sort.Search(len(q.entries), func(i int) bool { return e.less(q.entries[i]) })
	q.entries = append(q.entries, QueueEntry{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = e
	depth := len(q.entries)
	q.mu.Unlock()

	w.index.Store(queueKey(tenantID, e.InteractionID), teamID)
	metricsx.SetWaitQueueDepth(tenantID, teamID, depth)
}

// Remove drops the interaction from whichever queue holds it.
func (w *WaitQueues) Remove(tenantID string, interactionID string) bool {
	v, ok := w.index.LoadAndDelete(queueKey(tenantID, interactionID))
	if !ok {
		return false
	}
	return w.removeFrom(tenantID, v.(string), interactionID)
}

func (w *WaitQueues) removeFrom(tenantID string, teamID string, interactionID string) bool {
	q := w.queue(tenantID, teamID)
	q.mu.Lock()
	before := len(q.entries)
	q.entries = removeEntry(q.entries, interactionID)
	depth := len(q.entries)
	q.mu.Unlock()
	metricsx.SetWaitQueueDepth(tenantID, teamID, depth)
	return depth != before
}

// Snapshot returns the queue in service order.
func (w *WaitQueues) Snapshot(tenantID string, teamID string) []QueueEntry {
	v, ok := w.queues.Load(queueKey(tenantID, teamID))
	if !ok {
		return nil
	}
	q := v.(*teamQueue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}

// TeamOf reports the team an interaction is waiting on.
func (w *WaitQueues) TeamOf(tenantID string, interactionID string) (string, bool) {
	v, ok := w.index.Load(queueKey(tenantID, interactionID))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (w *WaitQueues) Len(tenantID string, teamID string) int {
	v, ok := w.queues.Load(queueKey(tenantID, teamID))
	if !ok {
		return 0
	}
	q := v.(*teamQueue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func removeEntry(entries []QueueEntry, interactionID string) []QueueEntry {
	for i, e := range entries {
		if e.InteractionID == interactionID {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
