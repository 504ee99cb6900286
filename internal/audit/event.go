// Package audit emits a tamper-evident, hash-chained event for every finished
// pipeline run. Each event carries the checksums of the tables the run wrote
// and the hash of the previous event for the same pipeline.
package audit

import (
	"time"
)

// Event types and schema version.
const (
	Version      = "1.0"
	EventRunDone = "pipeline_run"
)

// Event is one audit record.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo              `json:"run"`
	Tables   map[string]TableInfo `json:"tables"`
	Producer ProducerInfo         `json:"producer"`
	Chain    ChainInfo            `json:"chain"`
}

// RunInfo identifies the run being audited.
type RunInfo struct {
	Pipeline         string  `json:"pipeline"`
	RunID            string  `json:"run_id"`
	Status           string  `json:"status"`
	RecordsExtracted int     `json:"records_extracted"`
	QualityScore     float64 `json:"quality_score"`
}

// TableInfo is the checksum and size of one written table.
type TableInfo struct {
	Checksum    string `json:"checksum"`
	RowCount    int64  `json:"row_count"`
	StoragePath string `json:"storage_path"`
	ByteSize    int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey is the chain an event belongs to: one chain per pipeline.
func (e *Event) ChainKey() string {
	return e.Run.Pipeline
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
