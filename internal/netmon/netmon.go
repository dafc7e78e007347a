package netmon

import (
	"context"
	"fmt"
)

// Level is a NetworkManager connectivity level.
type Level uint32

// Connectivity levels, matching NetworkManager's NMConnectivityState.
const (
	LevelUnknown Level = iota
	LevelNone
	LevelPortal
	LevelLimited
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelUnknown:
		return "unknown"
	case LevelNone:
		return "none"
	case LevelPortal:
		return "portal"
	case LevelLimited:
		return "limited"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// Monitor reports network connectivity and the hardware address of the
// gateway's primary wired interface.
type Monitor interface {
	Connectivity(ctx context.Context) (Level, error)

	// Watch calls fn for every connectivity change until ctx is done. Once
	// subscribed it calls fn with the current level, so no change between
	// an earlier Connectivity read and the subscription is lost.
	Watch(ctx context.Context, fn func(Level)) error

	HardwareAddr(ctx context.Context) (string, error)
}
