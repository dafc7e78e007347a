package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// EscrowState is the state of the autonomous edge install scheduler.
type EscrowState int

const (
	EscrowIdle EscrowState = iota
	EscrowArmed
	EscrowCountingDown
	EscrowFired
)

func (s EscrowState) String() string {
	switch s {
	case EscrowIdle:
		return "idle"
	case EscrowArmed:
		return "armed"
	case EscrowCountingDown:
		return "counting_down"
	case EscrowFired:
		return "fired"
	default:
		return fmt.Sprintf("escrow(%d)", int(s))
	}
}

// EscrowConfig enables the autonomous edge install. Delays are in seconds;
// each schedule draws a delay in [MinDelay, MaxDelay).
type EscrowConfig struct {
	MinDelay  int
	MaxDelay  int
	Prefix    string
	CompanyID string
}

// EscrowInfo is the scheduler state reported in properties.
type EscrowInfo struct {
	State     string     `json:"state"`
	CompanyID string     `json:"company_id,omitempty"`
	FireAt    *time.Time `json:"fire_at,omitempty"`
}

// EscrowToken derives the device escrow token from a hardware address.
func EscrowToken(prefix, hwAddr string) string {
	return prefix + strings.ToLower(strings.ReplaceAll(hwAddr, ":", ""))
}

// escrowScheduler is owned by the control loop. Timer callbacks carry the
// generation they were scheduled with; a callback whose generation no
// longer matches was cancelled and is ignored.
type escrowScheduler struct {
	cfg    *EscrowConfig
	clock  clock.Clock
	intn   func(int) int
	state  EscrowState
	timer  *clock.Timer
	gen    uint64
	fireAt time.Time
}

func newEscrowScheduler(cfg *EscrowConfig, clk clock.Clock, intn func(int) int) *escrowScheduler {
	return &escrowScheduler{cfg: cfg, clock: clk, intn: intn}
}

// arm moves an idle scheduler with a configuration to Armed.
func (s *escrowScheduler) arm() bool {
	if s.cfg == nil || s.state != EscrowIdle {
		return false
	}
	s.state = EscrowArmed
	return true
}

func (s *escrowScheduler) delay() time.Duration {
	d := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		d += s.intn(span)
	}
	return time.Duration(d) * time.Second
}

// schedule draws a delay and starts the one-shot timer. fire is called from
// the timer goroutine with the generation of this schedule.
func (s *escrowScheduler) schedule(fire func(gen uint64)) time.Duration {
	s.stop()
	s.gen++
	gen := s.gen
	d := s.delay()
	s.fireAt = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { fire(gen) })
	s.state = EscrowCountingDown
	return d
}

// cancel stops a pending timer and returns to Armed.
func (s *escrowScheduler) cancel() {
	s.stop()
	s.state = EscrowArmed
}

// disarm permanently turns the scheduler off.
func (s *escrowScheduler) disarm() {
	s.stop()
	s.state = EscrowIdle
	s.cfg = nil
}

func (s *escrowScheduler) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.fireAt = time.Time{}
}

func (s *escrowScheduler) info() EscrowInfo {
	info := EscrowInfo{State: s.state.String()}
	if s.cfg != nil {
		info.CompanyID = s.cfg.CompanyID
	}
	if s.state == EscrowCountingDown && !s.fireAt.IsZero() {
		at := s.fireAt.UTC()
		info.FireAt = &at
	}
	return info
}
