package model

import (
	"fmt"
	"strings"
)

// Status is the provisioning status published to listeners. Values are
// signed so that failures stay negative on the wire.
type Status int

// Provisioning status values.
const (
	StatusSuccess               Status = 0
	StatusUnprovisioned         Status = 1
	StatusDownloadingInProgress Status = 2
	StatusApplyingInProgress    Status = 3
	StatusFailedInvalid         Status = -1
	StatusFailedConnect         Status = -2
	StatusFailedAuth            Status = -3
	StatusFailedTimeout         Status = -4
	StatusFailedNotFound        Status = -5
	StatusFailedBadConfig       Status = -6
	StatusFailedUnknown         Status = -7
)

var statusNames = map[Status]string{
	StatusSuccess:               "success",
	StatusUnprovisioned:         "unprovisioned",
	StatusDownloadingInProgress: "downloading",
	StatusApplyingInProgress:    "applying",
	StatusFailedInvalid:         "failed_invalid",
	StatusFailedConnect:         "failed_connect",
	StatusFailedAuth:            "failed_auth",
	StatusFailedTimeout:         "failed_timeout",
	StatusFailedNotFound:        "failed_not_found",
	StatusFailedBadConfig:       "failed_bad_config",
	StatusFailedUnknown:         "failed_unknown",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Failed reports whether s is one of the negative failure codes.
func (s Status) Failed() bool {
	return s < 0
}

// InProgress reports whether a download or apply phase is running.
func (s Status) InProgress() bool {
	return s == StatusDownloadingInProgress || s == StatusApplyingInProgress
}

// ParseStatus accepts either the symbolic name or the integer code.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		if _, ok := statusNames[Status(n)]; ok {
			return Status(n), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// BackendKind identifies one of the two mutually exclusive provisioning
// targets.
type BackendKind string

// Backend kinds.
const (
	BackendCore BackendKind = "core"
	BackendEdge BackendKind = "edge"
)

func (k BackendKind) String() string {
	return string(k)
}
