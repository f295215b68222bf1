package main

type AnalysisResult struct {
	Action         string  `json:"action"`
	Label          string  `json:"label,omitempty"`
	ProximityMatch bool    `json:"proximity_match"`
	Distance       int     `json:"distance,omitempty"`
	Probability    float64 `json:"probability,omitempty"`
}

type SyncResponse struct {
	NewSeq int      `json:"new_seq"`
	Action string   `json:"action"`
	Ops    []SyncOp `json:"ops"`
}

type SyncOp struct {
	Action string   `json:"action"`
	Bands  []string `json:"bands"`
}

// ScanResult is the provenance record kept per analyzed URL so that a later
// /report can be tied back to the signatures the scan produced.
type ScanResult struct {
	URL       string   `json:"url"`
	Hashes    []string `json:"hashes"`
	Timestamp int64    `json:"timestamp"`
}

// DatasetRecord is one row of the persisted QR corpus. The ingestion pipeline
// writes url/label plus provenance columns; only url and label feed training.
type DatasetRecord struct {
	URL      string
	Label    int
	Source   string
	Filename string
}
