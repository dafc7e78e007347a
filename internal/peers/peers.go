package peers

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Bus names of the sibling gateway services.
const (
	updateService = "com.lairdtech.security.UpdateService"
	updatePath    = dbus.ObjectPath("/com/lairdtech/security/UpdateService")
	updateIface   = "com.lairdtech.security.UpdateInterface"

	configService = "com.lairdtech.security.ConfigService"
	configPath    = dbus.ObjectPath("/com/lairdtech/security/ConfigService")
	configIface   = "com.lairdtech.security.ConfigInterface"
)

type objectGetter interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Client calls the update and configuration services on the system bus.
type Client struct {
	conn objectGetter
}

// New creates a client on an established bus connection.
func New(conn *dbus.Conn) *Client {
	return &Client{conn: conn}
}

// SetUpdateSchedule hands the JSON update section to the update service.
// The service answers -1 when it rejects the schedule.
func (c *Client) SetUpdateSchedule(ctx context.Context, doc string) (int32, error) {
	return c.call(ctx, updateService, updatePath, updateIface+".SetConfiguration", doc)
}

// SetWirelessConfig hands the JSON access point list to the config service.
func (c *Client) SetWirelessConfig(ctx context.Context, doc string) (int32, error) {
	return c.call(ctx, configService, configPath, configIface+".SetWifiConfigurations", doc)
}

func (c *Client) call(ctx context.Context, dest string, path dbus.ObjectPath, method, doc string) (int32, error) {
	var result int32
	if err := c.conn.Object(dest, path).CallWithContext(ctx, method, 0, doc).Store(&result); err != nil {
		return 0, fmt.Errorf("call %s: %w", method, err)
	}
	return result, nil
}
