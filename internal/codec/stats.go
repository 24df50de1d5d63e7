package codec

import "sync/atomic"

// Stats holds monotonic counters. They are advisory and never affect results.
type Stats struct {
	serializations      atomic.Int64
	serializeErrors     atomic.Int64
	serializedBytes     atomic.Int64
	deserializations    atomic.Int64
	deserializeErrors   atomic.Int64
	compressions        atomic.Int64
	compressionErrors   atomic.Int64
	decompressions      atomic.Int64
	bytesBeforeCompress atomic.Int64
	bytesAfterCompress  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Serializations    int64   `json:"serializations"`
	SerializeErrors   int64   `json:"serialize_errors"`
	SerializedBytes   int64   `json:"serialized_bytes"`
	Deserializations  int64   `json:"deserializations"`
	DeserializeErrors int64   `json:"deserialize_errors"`
	Compressions      int64   `json:"compressions"`
	CompressionErrors int64   `json:"compression_errors"`
	Decompressions    int64   `json:"decompressions"`
	CompressionRatio  float64 `json:"compression_ratio"`
}

func (s *Stats) recordSerialize(size int, err error) {
	if err != nil {
		s.serializeErrors.Add(1)
		return
	}
	s.serializations.Add(1)
	s.serializedBytes.Add(int64(size))
}

func (s *Stats) recordDeserialize(err error) {
	if err != nil {
		s.deserializeErrors.Add(1)
		return
	}
	s.deserializations.Add(1)
}

func (s *Stats) recordCompress(before, after int) {
	s.compressions.Add(1)
	s.bytesBeforeCompress.Add(int64(before))
	s.bytesAfterCompress.Add(int64(after))
}

func (s *Stats) recordDecompress() {
	s.decompressions.Add(1)
}

func (s *Stats) recordCompressionError() {
	s.compressionErrors.Add(1)
}

// Snapshot copies the counters. CompressionRatio is before/after over all
// compressed payloads, or 0 when nothing was compressed.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Serializations:    s.serializations.Load(),
		SerializeErrors:   s.serializeErrors.Load(),
		SerializedBytes:   s.serializedBytes.Load(),
		Deserializations:  s.deserializations.Load(),
		DeserializeErrors: s.deserializeErrors.Load(),
		Compressions:      s.compressions.Load(),
		CompressionErrors: s.compressionErrors.Load(),
		Decompressions:    s.decompressions.Load(),
	}
	if after := s.bytesAfterCompress.Load(); after > 0 {
		snap.CompressionRatio = float64(s.bytesBeforeCompress.Load()) / float64(after)
	}
	return snap
}
