package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName  = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	propsIface    = "org.freedesktop.DBus.Properties"
	listNamesCall = "org.freedesktop.DBus.ListNames"
)

// busCallTimeout bounds each grant when the caller set no deadline.
const busCallTimeout = 5 * time.Second

// radio is the slice of BlueZ the gate needs. Every call returns once ctx
// is done.
type radio interface {
	ServiceRunning(ctx context.Context) (bool, error)
	AdapterPowered(ctx context.Context) (bool, error)
	SetAdapterPowered(ctx context.Context, on bool) error
}

// withDeadline applies busCallTimeout to a ctx that has no deadline.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, busCallTimeout)
}

// radioGrants returns the Linux grants: the BlueZ daemon must be on the
// system bus, and the adapter must be powered. A powered-off adapter is
// asked to power on.
func radioGrants(r radio) []Grant {
	return []Grant{
		{
			Name: "bluez",
			Request: func(ctx context.Context) (bool, error) {
				ctx, cancel := withDeadline(ctx)
				defer cancel()
				return r.ServiceRunning(ctx)
			},
		},
		{
			Name: "adapter-powered",
			Request: func(ctx context.Context) (bool, error) {
				ctx, cancel := withDeadline(ctx)
				defer cancel()
				powered, err := r.AdapterPowered(ctx)
				if err != nil {
					return false, err
				}
				if powered {
					return true, nil
				}
				slog.Info("[PERM] bluetooth adapter is off, powering on")
				if err := r.SetAdapterPowered(ctx, true); err != nil {
					return false, fmt.Errorf("power on: %w", err)
				}
				return r.AdapterPowered(ctx)
			},
		},
	}
}

// bluez talks to BlueZ over the system D-Bus.
type bluez struct {
	adapterPath dbus.ObjectPath
}

func newBluez(adapter string) *bluez {
	return &bluez{adapterPath: dbus.ObjectPath("/org/bluez/" + adapter)}
}

func (b *bluez) ServiceRunning(ctx context.Context) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().CallWithContext(ctx, listNamesCall, 0).Store(&names); err != nil {
		return false, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == bluezBusName {
			return true, nil
		}
	}
	return false, nil
}

func (b *bluez) AdapterPowered(ctx context.Context) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connect to system bus: %w", err)
	}
	var v dbus.Variant
	obj := conn.Object(bluezBusName, b.adapterPath)
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("read %s Powered: %w", b.adapterPath, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property Powered is not bool")
	}
	return powered, nil
}

func (b *bluez) SetAdapterPowered(ctx context.Context, on bool) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	obj := conn.Object(bluezBusName, b.adapterPath)
	return obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)).Err
}
