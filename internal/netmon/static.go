package netmon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Static is a Monitor whose level is set programmatically. The hardware
// address is either fixed or read from a local interface.
type Static struct {
	addr  string
	iface string

	mu     sync.Mutex
	level  Level
	subs   map[int]chan Level
	nextID int
}

var _ Monitor = (*Static)(nil)

// NewStatic creates a static monitor at the given level. An empty addr
// falls back to the address of iface.
func NewStatic(level Level, addr, iface string) *Static {
	return &Static{
		addr:  addr,
		iface: iface,
		level: level,
		subs:  make(map[int]chan Level),
	}
}

func (s *Static) Connectivity(context.Context) (Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, nil
}

// Set changes the level and notifies watchers. Watchers that are not keeping
// up miss intermediate levels.
func (s *Static) Set(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	for _, ch := range s.subs {
		select {
		case ch <- level:
		default:
		}
	}
}

func (s *Static) Watch(ctx context.Context, fn func(Level)) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Level, signalBuffer)
	s.subs[id] = ch
	current := s.level
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	fn(current)
	for {
		select {
		case <-ctx.Done():
			return nil
		case level := <-ch:
			fn(level)
		}
	}
}

func (s *Static) HardwareAddr(context.Context) (string, error) {
	if s.addr != "" {
		return strings.ToLower(s.addr), nil
	}
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return "", fmt.Errorf("lookup interface %s: %w", s.iface, err)
	}
	if len(ifi.HardwareAddr) == 0 {
		return "", fmt.Errorf("interface %s has no hardware address", s.iface)
	}
	return strings.ToLower(ifi.HardwareAddr.String()), nil
}
