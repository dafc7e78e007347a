package model

import "time"

// Transition is one published status change together with the provisioned
// flags computed right after it.
type Transition struct {
	Seq             int64       `json:"seq"`
	Status          Status      `json:"status"`
	StatusName      string      `json:"status_name"`
	CoreProvisioned bool        `json:"core_provisioned"`
	EdgeProvisioned bool        `json:"edge_provisioned"`
	OperationID     string      `json:"operation_id,omitempty"`
	Backend         BackendKind `json:"backend,omitempty"`
	Source          string      `json:"source,omitempty"`
	BootID          string      `json:"boot_id,omitempty"`
	At              time.Time   `json:"at"`
}

// Transition sources.
const (
	SourceStartup = "startup"
	SourceRequest = "request"
	SourceWorker  = "worker"
	SourceEscrow  = "escrow"
)
