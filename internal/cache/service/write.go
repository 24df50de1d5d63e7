package service

import (
	"context"
	"time"

	"bastion/internal/cache/models"
	"bastion/internal/cache/ports"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
)

type writeOp int

const (
	opSet writeOp = iota
	opDelete
	opDeleteMany
	opClear
	opFlush
)

type writeJob struct {
	op    writeOp
	entry *models.Entry
	keys  []string
	done  chan jobResult // nil for fire-and-forget sets
}

type jobResult struct {
	removed int
	err     error
}

// Set serializes v and stores it with ttl. A zero ttl never expires.
func (s *Service) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	entry, err := s.buildEntry(key, v, ttl)
	if err != nil {
		return err
	}
	return s.SetEntry(ctx, entry)
}

// SetEntry stores a prepared entry, used by Set and by warmers that copy
// entries between tiers. Peers are told to drop their local copy once the
// shared tiers hold the new value.
func (s *Service) SetEntry(ctx context.Context, entry *models.Entry) error {
	ctx, span := s.tracer.Start(ctx, "cache.set")
	defer span.End()

	mu := s.stripe(entry.Key)
	mu.Lock()
	defer mu.Unlock()

	s.tombstones.Delete(entry.Key)
	s.stats.sets.Add(1)

	if !s.writeBehind() {
		if err := s.apply(ctx, s.tiers, writeJob{op: opSet, entry: entry}).err; err != nil {
			return err
		}
		s.publish(ctx, models.OpDelete, entry.Key)
		return nil
	}

	// Queued before L1 is touched: a rejected write leaves no trace. The
	// stripe lock keeps the worker from reordering writes to the same key.
	if err := s.enqueue(ctx, writeJob{op: opSet, entry: entry.Clone()}); err != nil {
		return err
	}
	return s.apply(ctx, s.tiers[:1], writeJob{op: opSet, entry: entry}).err
}

func (s *Service) buildEntry(key string, v any, ttl time.Duration) (*models.Entry, error) {
	if key == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "cache key is required")
	}
	if ttl < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "ttl cannot be negative")
	}

	data, format, err := s.codec.Serialize(v)
	if err != nil {
		return nil, err
	}
	if len(data) > s.maxEntrySize {
		return nil, dErrors.Newf(dErrors.CodeEntryTooLarge, "entry %s is %d bytes, limit is %d", key, len(data), s.maxEntrySize).
			WithDetail("size", len(data)).
			WithDetail("max_entry_size", s.maxEntrySize)
	}
	framed, algo := s.codec.Compress(data)

	now := s.now()
	if s.adaptiveTTL && ttl > 0 {
		ttl = s.adaptedTTL(key, ttl, now)
	}
	entry := &models.Entry{
		Key:          key,
		Value:        framed,
		CreatedAt:    now,
		LastAccess:   now,
		Origin:       s.tiers[0].Level(),
		Format:       format,
		Compression:  algo,
		OriginalSize: len(data),
		StoredSize:   len(framed),
		Version:      s.version.Add(1),
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	if s.fingerprint {
		entry.Fingerprint = Fingerprint(framed)
	}
	return entry, nil
}

// peeker is implemented by tiers that can expose access metadata without
// counting an access.
type peeker interface {
	Peek(key string) (*models.Entry, bool)
}

func (s *Service) adaptedTTL(key string, base time.Duration, now time.Time) time.Duration {
	p, ok := s.tiers[0].(peeker)
	if !ok {
		return AdaptiveTTL(base, 0, 0)
	}
	prev, found := p.Peek(key)
	if !found {
		return AdaptiveTTL(base, 0, 0)
	}
	return AdaptiveTTL(base, prev.AccessCount, now.Sub(prev.LastAccess))
}

// Delete removes key from every tier and tells peers. It reports whether any
// tier held the key. Tier errors are absorbed when at least one tier succeeded.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, dErrors.New(dErrors.CodeValidation, "cache key is required")
	}
	removed, err := s.deleteKeys(ctx, opDelete, []string{key})
	if err != nil {
		return false, err
	}
	s.publish(ctx, models.OpDelete, key)
	return removed > 0, nil
}

// DeleteMany removes keys in one pass per tier and returns how many were
// present in the tier that held the most of them.
func (s *Service) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := s.deleteKeys(ctx, opDeleteMany, keys)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		s.publish(ctx, models.OpDelete, key)
	}
	return removed, nil
}

func (s *Service) deleteKeys(ctx context.Context, op writeOp, keys []string) (int, error) {
	for _, key := range keys {
		mu := s.stripe(key)
		mu.Lock()
		s.tombstones.Delete(key)
		mu.Unlock()
	}
	s.stats.deletes.Add(int64(len(keys)))

	job := writeJob{op: op, keys: keys}
	if !s.writeBehind() {
		res := s.apply(ctx, s.tiers, job)
		return res.removed, res.err
	}

	local := s.apply(ctx, s.tiers[:1], job)
	if local.err != nil {
		s.logger.WarnContext(ctx, "local cache delete failed", "keys", len(keys), "error", local.err)
	}
	// Queued behind earlier writes so a pending set cannot resurrect the key.
	remote, err := s.enqueueAndWait(ctx, job)
	if err != nil {
		return 0, err
	}
	if local.err != nil && remote.err != nil {
		return 0, remote.err
	}
	return max(local.removed, remote.removed), nil
}

// DeleteLocal drops key from the in-process tier only. Peer invalidations
// land here: the shared tiers were already updated by the origin node.
func (s *Service) DeleteLocal(ctx context.Context, key string) (bool, error) {
	l1, ok := s.localTier()
	if !ok {
		return false, nil
	}
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	return l1.Delete(ctx, key)
}

// ClearLocal empties the in-process tier only.
func (s *Service) ClearLocal(ctx context.Context) error {
	l1, ok := s.localTier()
	if !ok {
		return nil
	}
	return l1.Clear(ctx)
}

// MarkStale tombstones key. The next access deletes it from every tier.
func (s *Service) MarkStale(ctx context.Context, key string) {
	s.tombstones.Store(key, s.version.Add(1))
	s.publish(ctx, models.OpDelete, key)
}

func (s *Service) isTombstoned(key string) bool {
	_, ok := s.tombstones.Load(key)
	return ok
}

func (s *Service) reapTombstone(ctx context.Context, key string) {
	mu := s.stripe(key)
	mu.Lock()
	_, stillStale := s.tombstones.LoadAndDelete(key)
	mu.Unlock()
	if !stillStale {
		return
	}
	if _, err := s.deleteKeys(ctx, opDelete, []string{key}); err != nil {
		s.logger.WarnContext(ctx, "lazy invalidation delete failed", "key", key, "error", err)
	}
}

// Clear empties every tier and tells peers.
func (s *Service) Clear(ctx context.Context) error {
	s.tombstones.Clear()
	job := writeJob{op: opClear}
	if !s.writeBehind() {
		if err := s.apply(ctx, s.tiers, job).err; err != nil {
			return err
		}
	} else {
		local := s.apply(ctx, s.tiers[:1], job)
		remote, err := s.enqueueAndWait(ctx, job)
		if err != nil {
			return err
		}
		multi := &dErrors.Multi{}
		multi.Add(local.err)
		multi.Add(remote.err)
		if err := multi.ErrorOrNil(); err != nil {
			return err
		}
	}
	s.publish(ctx, models.OpClear, "")
	return nil
}

// Flush waits until every queued write-behind job has been applied.
func (s *Service) Flush(ctx context.Context) error {
	if !s.writeBehind() {
		return nil
	}
	_, err := s.enqueueAndWait(ctx, writeJob{op: opFlush})
	return err
}

// Close drains the write-behind queue and stops the worker. Later writes to
// slower tiers fail with sentinel.ErrClosed.
func (s *Service) Close() {
	if s.queue == nil {
		return
	}
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.qmu.Unlock()
	s.workers.Wait()
}

func (s *Service) localTier() (ports.Tier, bool) {
	if s.tiers[0].Level() != models.L1 {
		return nil, false
	}
	return s.tiers[0], true
}

// apply runs job against tiers. Sets and clears fail if any tier fails;
// deletes fail only if every tier failed.
func (s *Service) apply(ctx context.Context, tiers []ports.Tier, job writeJob) jobResult {
	multi := &dErrors.Multi{}
	removed := 0
	for _, tier := range tiers {
		switch job.op {
		case opSet:
			err := tier.Set(ctx, job.entry)
			if s.metrics != nil {
				s.metrics.IncrementWrite(tier.Level(), err)
			}
			if err != nil {
				s.tierError(ctx, tier.Level(), "set", job.entry.Key, err)
				multi.Add(tierErr(tier.Level(), "set", err))
			}
		case opDelete, opDeleteMany:
			n, err := deleteFrom(ctx, tier, job.keys)
			if err != nil {
				s.tierError(ctx, tier.Level(), "delete", "", err)
				multi.Add(tierErr(tier.Level(), "delete", err))
				continue
			}
			removed = max(removed, n)
		case opClear:
			if err := tier.Clear(ctx); err != nil {
				s.tierError(ctx, tier.Level(), "clear", "", err)
				multi.Add(tierErr(tier.Level(), "clear", err))
			}
		}
	}

	switch job.op {
	case opDelete, opDeleteMany:
		if multi.Len() > 0 && multi.Len() == len(tiers) {
			return jobResult{err: multi.ErrorOrNil()}
		}
		return jobResult{removed: removed}
	default:
		return jobResult{removed: removed, err: multi.ErrorOrNil()}
	}
}

func deleteFrom(ctx context.Context, tier ports.Tier, keys []string) (int, error) {
	if bd, ok := tier.(ports.BatchDeleter); ok && len(keys) > 1 {
		return bd.DeleteMany(ctx, keys)
	}
	n := 0
	for _, key := range keys {
		ok, err := tier.Delete(ctx, key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// enqueue hands job to the write-behind worker. Only sets honour the
// fail-fast overflow policy; deletes, clears and flushes always wait for room
// so a full queue cannot drop an invalidation or cut a drain short.
func (s *Service) enqueue(ctx context.Context, job writeJob) error {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed {
		return sentinel.ErrClosed
	}

	if job.op == opSet && s.overflowPolicy == models.OverflowFailFast {
		select {
		case s.queue <- job:
		default:
			s.stats.queueRejections.Add(1)
			return dErrors.Newf(dErrors.CodeCacheFull, "write-behind queue is full (%d pending)", cap(s.queue))
		}
	} else {
		select {
		case s.queue <- job:
		case <-ctx.Done():
			return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for write-behind queue")
		}
	}
	if s.metrics != nil {
		s.metrics.SetWriteQueueDepth(len(s.queue))
	}
	return nil
}

func (s *Service) enqueueAndWait(ctx context.Context, job writeJob) (jobResult, error) {
	job.done = make(chan jobResult, 1)
	if err := s.enqueue(ctx, job); err != nil {
		return jobResult{}, err
	}
	select {
	case res := <-job.done:
		return res, nil
	case <-ctx.Done():
		return jobResult{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for write-behind job")
	}
}

// drain applies queued jobs to the slower tiers in FIFO order.
func (s *Service) drain() {
	defer s.workers.Done()
	lower := s.tiers[1:]
	for job := range s.queue {
		var res jobResult
		if job.op != opFlush {
			ctx := context.Background()
			res = s.apply(ctx, lower, job)
			if res.err != nil && job.done == nil {
				s.stats.writeBehindErrors.Add(1)
				s.logger.Error("write-behind job failed", "error", res.err)
			}
			if job.op == opSet && res.err == nil {
				s.publish(ctx, models.OpDelete, job.entry.Key)
			}
		}
		if job.done != nil {
			job.done <- res
		}
		if s.metrics != nil {
			s.metrics.SetWriteQueueDepth(len(s.queue))
		}
	}
}

func (s *Service) publish(ctx context.Context, op models.InvalidationOp, key string) {
	if s.publisher == nil {
		return
	}
	event := models.InvalidationEvent{
		Op:        op,
		Key:       key,
		Origin:    s.nodeID,
		Version:   s.version.Add(1),
		Timestamp: s.now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish cache invalidation",
			"op", string(op),
			"key", key,
			"error", err,
		)
		return
	}
	if s.metrics != nil {
		s.metrics.IncrementPublished()
	}
}
