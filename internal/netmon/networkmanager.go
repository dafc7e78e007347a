package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	nmService       = "org.freedesktop.NetworkManager"
	nmPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmWiredIface    = "org.freedesktop.NetworkManager.Device.Wired"
	propsIface      = "org.freedesktop.DBus.Properties"
	propsChanged    = "PropertiesChanged"
	connectivityKey = "Connectivity"

	signalBuffer = 16
)

// busConn is the subset of *dbus.Conn used here.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// NetworkManager reads connectivity from NetworkManager over the system bus.
type NetworkManager struct {
	conn   busConn
	iface  string
	logger *slog.Logger
}

var _ Monitor = (*NetworkManager)(nil)

// NewNetworkManager creates a monitor. iface names the wired interface whose
// permanent hardware address is reported.
func NewNetworkManager(conn *dbus.Conn, iface string, logger *slog.Logger) *NetworkManager {
	return newNetworkManager(conn, iface, logger)
}

func newNetworkManager(conn busConn, iface string, logger *slog.Logger) *NetworkManager {
	return &NetworkManager{conn: conn, iface: iface, logger: logger}
}

func (m *NetworkManager) Connectivity(ctx context.Context) (Level, error) {
	var v dbus.Variant
	err := m.conn.Object(nmService, nmPath).
		CallWithContext(ctx, propsIface+".Get", 0, nmService, connectivityKey).
		Store(&v)
	if err != nil {
		return LevelUnknown, fmt.Errorf("get connectivity: %w", err)
	}
	return levelFromVariant(v)
}

func levelFromVariant(v dbus.Variant) (Level, error) {
	n, ok := v.Value().(uint32)
	if !ok {
		return LevelUnknown, fmt.Errorf("connectivity has type %s, want uint32", v.Signature())
	}
	return Level(n), nil
}

func (m *NetworkManager) Watch(ctx context.Context, fn func(Level)) error {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
	}
	if err := m.conn.AddMatchSignal(opts...); err != nil {
		return fmt.Errorf("subscribe to network manager: %w", err)
	}
	defer m.conn.RemoveMatchSignal(opts...)

	ch := make(chan *dbus.Signal, signalBuffer)
	m.conn.Signal(ch)
	defer m.conn.RemoveSignal(ch)

	if level, err := m.Connectivity(ctx); err != nil {
		m.logger.Warn("read connectivity after subscribing", "error", err)
	} else {
		fn(level)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return errors.New("system bus connection closed")
			}
			level, ok := connectivityFromSignal(sig)
			if !ok {
				continue
			}
			m.logger.Info("connectivity changed", "level", level.String())
			fn(level)
		}
	}
}

// connectivityFromSignal extracts the new level from a PropertiesChanged
// signal of the NetworkManager object, if it carries one.
func connectivityFromSignal(sig *dbus.Signal) (Level, bool) {
	if sig == nil || sig.Path != nmPath || sig.Name != propsIface+"."+propsChanged || len(sig.Body) < 2 {
		return LevelUnknown, false
	}
	if iface, _ := sig.Body[0].(string); iface != nmService {
		return LevelUnknown, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return LevelUnknown, false
	}
	v, ok := changed[connectivityKey]
	if !ok {
		return LevelUnknown, false
	}
	level, err := levelFromVariant(v)
	if err != nil {
		return LevelUnknown, false
	}
	return level, true
}

// HardwareAddr returns the lowercased permanent MAC address of the
// configured wired interface.
func (m *NetworkManager) HardwareAddr(ctx context.Context) (string, error) {
	var dev dbus.ObjectPath
	err := m.conn.Object(nmService, nmPath).
		CallWithContext(ctx, nmService+".GetDeviceByIpIface", 0, m.iface).
		Store(&dev)
	if err != nil {
		return "", fmt.Errorf("find device %s: %w", m.iface, err)
	}

	var v dbus.Variant
	err = m.conn.Object(nmService, dev).
		CallWithContext(ctx, propsIface+".Get", 0, nmWiredIface, "PermHwAddress").
		Store(&v)
	if err != nil {
		return "", fmt.Errorf("get hardware address of %s: %w", m.iface, err)
	}
	addr, ok := v.Value().(string)
	if !ok || addr == "" {
		return "", fmt.Errorf("device %s has no permanent hardware address", m.iface)
	}
	return strings.ToLower(addr), nil
}
