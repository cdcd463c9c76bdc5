package store

import (
	"container/heap"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/util"
)

// jobEntry is a heap slot. Entries go stale when their job is rescheduled or
// finished; ClaimDueJobs skips them lazily.
type jobEntry struct {
	runAt time.Time
	id    string
}

// jobHeap is a min-heap of jobs ordered by run time.
type jobHeap []jobEntry

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, k int) bool {
	if h[i].runAt.Equal(h[k].runAt) {
		return h[i].id < h[k].id
	}
	return h[i].runAt.Before(h[k].runAt)
}
func (h jobHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(jobEntry)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.liveJobs[dedupeKey]; ok && dedupeKey != "" {
		return id, nil
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	if dedupeKey != "" {
		s.liveJobs[dedupeKey] = j.ID
	}
	heap.Push(&s.jobQueue, jobEntry{runAt: runAt, id: j.ID})
	return j.ID, nil
}

// finishJob moves j to a terminal status and drops it from the dedupe index.
func (s *InMemoryStore) finishJob(j *Job, status JobStatus) {
	j.Status = status
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.DedupeKey != "" && s.liveJobs[j.DedupeKey] == j.ID {
		delete(s.liveJobs, j.DedupeKey)
	}
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for len(out) < limit && s.jobQueue.Len() > 0 {
		top := s.jobQueue[0]
		if top.runAt.After(now) {
			break
		}
		heap.Pop(&s.jobQueue)
		j, ok := s.jobs[top.id]
		if !ok || j.Status != JobStatusQueued || !j.RunAt.Equal(top.runAt) {
			continue
		}
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		s.finishJob(j, JobStatusDone)
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	if j.Attempt >= j.MaxAttempts {
		s.finishJob(j, JobStatusFailed)
		return nil
	}
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	j.Status = JobStatusQueued
	j.RunAt = nextRunAt
	heap.Push(&s.jobQueue, jobEntry{runAt: nextRunAt, id: id})
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status.Live() {
		s.finishJob(j, JobStatusCanceled)
	}
	return nil
}

func (s *InMemoryStore) CancelJobsByDedupeKey(dedupeKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.liveJobs[dedupeKey]
	if !ok || dedupeKey == "" {
		return 0, nil
	}
	j := s.jobs[id]
	if j.Status != JobStatusQueued {
		return 0, nil
	}
	s.finishJob(j, JobStatusCanceled)
	return 1, nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			heap.Push(&s.jobQueue, jobEntry{runAt: j.RunAt, id: j.ID})
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PruneFinishedJobs(finishedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if !j.Status.Live() && j.UpdatedAt.Before(finishedBefore) {
			delete(s.jobs, id)
			n++
		}
	}
	if n > 0 {
		// Drop heap entries that point at pruned jobs.
		kept := s.jobQueue[:0]
		for _, e := range s.jobQueue {
			if _, ok := s.jobs[e.id]; ok {
				kept = append(kept, e)
			}
		}
		s.jobQueue = kept
		heap.Init(&s.jobQueue)
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		UserID:      userID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	s.outSeq = append(s.outSeq, m.ID)
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, id := range s.outSeq {
		if len(out) >= limit {
			break
		}
		m := s.outbox[id]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.Attempts++
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		next := nextAttemptAt
		m.NextAttemptAt = &next
	})
}

func (s *InMemoryStore) MarkOutboxMessageFailed(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	fn(m)
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	return nil
}

// OutboxMessages returns a snapshot of every outbox message in enqueue order.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outSeq))
	for _, id := range s.outSeq {
		out = append(out, *s.outbox[id])
	}
	return out
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) IsProcessed(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dedup[messageID]
	return ok && r.ProcessedAt != nil, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
		s.dedup[messageID] = r
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, messageID)
	return nil
}
