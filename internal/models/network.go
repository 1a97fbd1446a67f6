// Package models provides data model definitions for the offline sync core.
package models

// ConnectionQuality is a coarse classification of the current link.
type ConnectionQuality string

const (
	QualityUnknown ConnectionQuality = "unknown"
	QualityPoor    ConnectionQuality = "poor"
	QualityFair    ConnectionQuality = "fair"
	QualityGood    ConnectionQuality = "good"
)

// NetworkState is the monitor's current view of connectivity. Ephemeral:
// never persisted, recomputed on load.
type NetworkState struct {
	IsOnline  bool              `json:"is_online"`
	Quality   ConnectionQuality `json:"quality"`
	LatencyMS int64             `json:"latency_ms"`
}
