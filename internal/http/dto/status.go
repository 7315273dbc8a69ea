package dto

import "time"

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type StatusResponse struct {
	Realtime RealtimeStatus `json:"realtime"`
	Stale    StaleStatus    `json:"stale"`
	Queue    QueueStatus    `json:"queue"`
	Fatal    bool           `json:"fatal"`
	Error    string         `json:"error,omitempty"`
}

type RealtimeStatus struct {
	State  string `json:"state"`
	Cursor int64  `json:"cursor"`
}

type StaleStatus struct {
	LastPass *StalePass `json:"last_pass"`
}

type StalePass struct {
	ScanID     string    `json:"scan_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Enqueued   int       `json:"enqueued"`
	Error      string    `json:"error,omitempty"`
}

// QueueStatus holds the backlog per priority level. Pending is omitted when
// the queue could not be reached.
type QueueStatus struct {
	Pending map[string]int64 `json:"pending,omitempty"`
	Error   string           `json:"error,omitempty"`
}
