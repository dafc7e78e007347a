package model

import "github.com/oklog/ulid/v2"

// NewOperationID returns an identifier for one worker run. IDs created by
// one process sort in creation order, including within a millisecond.
func NewOperationID() string {
	return ulid.Make().String()
}
