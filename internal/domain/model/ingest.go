package model

import "time"

// FederationBatch is a decoded batch of keys received from the federation
// gateway, waiting to be ingested into the national key set. Tag is the
// partner batch tag, empty when the sender gave none.
type FederationBatch struct {
	ID         string
	Tag        string
	Keys       []DiagnosisKey
	ReceivedAt time.Time
}

// IngestResult summarizes the ingestion of one federation batch.
type IngestResult struct {
	Received int `json:"received"`
	Stored   int `json:"stored"`
	// Dropped counts keys that failed normalization or structural checks.
	Dropped int `json:"dropped"`
	// Duplicates counts valid keys the store already held.
	Duplicates int `json:"duplicates"`
}

// ServiceStats is a point-in-time view of the service for health checks.
type ServiceStats struct {
	Started             bool `json:"started"`
	StoredKeys          int  `json:"storedKeys"`
	QueuedIngestBatches int  `json:"queuedIngestBatches"`
}
