package service

import (
	"sync/atomic"

	"bastion/internal/cache/models"
	"bastion/internal/codec"
)

type counters struct {
	hitsL1            atomic.Int64
	hitsL2            atomic.Int64
	hitsL3            atomic.Int64
	misses            atomic.Int64
	sets              atomic.Int64
	deletes           atomic.Int64
	promotions        atomic.Int64
	evictions         atomic.Int64
	tierErrors        atomic.Int64
	queueRejections   atomic.Int64
	writeBehindErrors atomic.Int64
}

func (c *counters) recordHit(level models.Level) {
	switch level {
	case models.L1:
		c.hitsL1.Add(1)
	case models.L2:
		c.hitsL2.Add(1)
	case models.L3:
		c.hitsL3.Add(1)
	}
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	HitsL1            int64               `json:"hits_l1"`
	HitsL2            int64               `json:"hits_l2"`
	HitsL3            int64               `json:"hits_l3"`
	Misses            int64               `json:"misses"`
	HitRatio          float64             `json:"hit_ratio"`
	Sets              int64               `json:"sets"`
	Deletes           int64               `json:"deletes"`
	Promotions        int64               `json:"promotions"`
	Evictions         int64               `json:"evictions"`
	TierErrors        int64               `json:"tier_errors"`
	QueueRejections   int64               `json:"queue_rejections"`
	WriteBehindErrors int64               `json:"write_behind_errors"`
	PendingWrites     int                 `json:"pending_writes"`
	Codec             codec.StatsSnapshot `json:"codec"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		HitsL1:            s.stats.hitsL1.Load(),
		HitsL2:            s.stats.hitsL2.Load(),
		HitsL3:            s.stats.hitsL3.Load(),
		Misses:            s.stats.misses.Load(),
		Sets:              s.stats.sets.Load(),
		Deletes:           s.stats.deletes.Load(),
		Promotions:        s.stats.promotions.Load(),
		Evictions:         s.stats.evictions.Load(),
		TierErrors:        s.stats.tierErrors.Load(),
		QueueRejections:   s.stats.queueRejections.Load(),
		WriteBehindErrors: s.stats.writeBehindErrors.Load(),
		Codec:             s.codec.Stats(),
	}
	if s.queue != nil {
		st.PendingWrites = len(s.queue)
	}
	hits := st.HitsL1 + st.HitsL2 + st.HitsL3
	if total := hits + st.Misses; total > 0 {
		st.HitRatio = float64(hits) / float64(total)
	}
	return st
}
