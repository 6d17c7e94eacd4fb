// Package monitor implements the Async Event Monitor: six property-bus
// subscriptions that translate platform signals (crash sensor, screenshot
// trigger, session list, session timeout, host power, service enable) into
// mutations of the shared core state, plus the outward-facing screenshot
// trigger object.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/openbmc-ikvm/ikvmd/internal/corestate"
	"github.com/openbmc-ikvm/ikvmd/internal/logging"
)

var log = logging.L("monitor")

const (
	busName         = "xyz.openbmc_project.IkvmD"
	screenshotPath  = dbus.ObjectPath("/xyz/openbmc_project/Ikvm/Screenshot")
	screenshotIface = "xyz.openbmc_project.Ikvm.Screenshot"

	propertiesChangedIface  = "org.freedesktop.DBus.Properties"
	propertiesChangedMember = "PropertiesChanged"

	sensorStateIface        = "xyz.openbmc_project.Sensor.Threshold.Critical"
	ipmiRuntimeCriticalStop = uint16(2)

	kvmSessionIface       = "xyz.openbmc_project.Ikvm.SessionManager"
	serviceAttrsIface     = "xyz.openbmc_project.Control.Service.Attributes"
	chassisIface          = "xyz.openbmc_project.State.Chassis"
	chassisObjectPath     = dbus.ObjectPath("/xyz/openbmc_project/state/chassis0")
	serviceManagerKVMPath = dbus.ObjectPath("/xyz/openbmc_project/control/service/kvm")
	sensorRootPath        = dbus.ObjectPath("/xyz/openbmc_project/sensors")
)

// Monitor owns the bus connection, the PropertiesChanged subscription that
// feeds the six callbacks, and the exported screenshot-trigger object.
type Monitor struct {
	conn *dbus.Conn
	core *corestate.CoreContext

	signalChan chan *dbus.Signal
}

// New connects to the system bus, installs one PropertiesChanged match
// whose signals dispatch routes to the six callbacks, exports
// the screenshot trigger object, and seeds hostPowerState from a
// synchronous chassis Get.
func New(core *corestate.CoreContext) (*Monitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	m := &Monitor{conn: conn, core: core, signalChan: make(chan *dbus.Signal, 32)}

	if _, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue|dbus.NameFlagReplaceExisting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("request bus name: %w", err)
	}

	if err := m.subscribeAll(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	m.exportScreenshotObject()
	m.seedHostPowerState()

	return m, nil
}

func (m *Monitor) subscribeAll() error {
	filters := []dbus.MatchOption{
		dbus.WithMatchInterface(propertiesChangedIface),
		dbus.WithMatchMember(propertiesChangedMember),
	}
	// A single broad PropertiesChanged match covers every object path we
	// care about; the per-signal dispatch in Run narrows by arg0/path.
	if err := m.conn.AddMatchSignal(filters...); err != nil {
		return err
	}
	m.conn.Signal(m.signalChan)
	return nil
}

// Close removes the signal subscription and closes the bus connection.
func (m *Monitor) Close() error {
	m.conn.RemoveSignal(m.signalChan)
	return m.conn.Close()
}

// Run drives the asynchronous bus event loop (T_bus) until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-m.signalChan:
			if !ok {
				return
			}
			m.dispatch(sig)
		}
	}
}

// dispatch routes one PropertiesChanged signal to its callback by object
// path and interface-name argument. Every branch is exception-safe: a
// decode error logs and leaves state untouched.
func (m *Monitor) dispatch(sig *dbus.Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("monitor callback panicked", "recovered", r, "signal", sig.Name)
		}
	}()

	if sig.Name != propertiesChangedIface+"."+propertiesChangedMember {
		return
	}
	if len(sig.Body) < 2 {
		log.Warn("malformed PropertiesChanged signal body", "path", sig.Path)
		return
	}
	ifaceName, ok := sig.Body[0].(string)
	if !ok {
		log.Warn("PropertiesChanged arg0 not a string", "path", sig.Path)
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		log.Warn("PropertiesChanged arg1 not a variant map", "path", sig.Path)
		return
	}

	switch {
	case strings.HasPrefix(string(sig.Path), string(sensorRootPath)) && ifaceName == sensorStateIface:
		m.onCrashSensor(changed)
	case sig.Path == screenshotPath && ifaceName == screenshotIface:
		m.onScreenshotTrigger(changed)
	case ifaceName == kvmSessionIface:
		m.onSessionList(changed)
	case sig.Path == serviceManagerKVMPath && ifaceName == serviceAttrsIface:
		m.onSessionTimeout(changed)
		m.onServiceEnable(changed)
	case sig.Path == chassisObjectPath && ifaceName == chassisIface:
		m.onHostPower(changed)
	}
}

// onCrashSensor sets screenshotFlag when the sensor's "offset" property
// reports the IPMI run-time critical-stop value.
func (m *Monitor) onCrashSensor(changed map[string]dbus.Variant) {
	v, ok := changed["offset"]
	if !ok {
		return
	}
	offset, ok := v.Value().(uint16)
	if !ok {
		log.Warn("crash sensor offset has unexpected type")
		return
	}
	if offset == ipmiRuntimeCriticalStop {
		m.core.RequestScreenshot()
	}
}

// onScreenshotTrigger sets screenshotFlag when the bool "Trigger" property
// becomes true.
func (m *Monitor) onScreenshotTrigger(changed map[string]dbus.Variant) {
	v, ok := changed["Trigger"]
	if !ok {
		return
	}
	trig, ok := v.Value().(bool)
	if !ok {
		log.Warn("Trigger property has unexpected type")
		return
	}
	if trig {
		m.core.RequestScreenshot()
	}
}

// onSessionList replaces activeSessionIds with the 0th field of every
// tuple in the "KvmSessionInfo" array.
func (m *Monitor) onSessionList(changed map[string]dbus.Variant) {
	v, ok := changed["KvmSessionInfo"]
	if !ok {
		return
	}
	tuples, ok := v.Value().([][]interface{})
	if !ok {
		log.Warn("KvmSessionInfo has unexpected type")
		return
	}
	ids := make([]uint16, 0, len(tuples))
	for _, t := range tuples {
		if len(t) == 0 {
			continue
		}
		switch id := t[0].(type) {
		case uint8:
			ids = append(ids, uint16(id))
		case uint16:
			ids = append(ids, id)
		default:
			log.Warn("session tuple id field has unexpected type")
			return
		}
	}
	m.core.SetActiveSessionIds(ids)
}

// onSessionTimeout updates sessionTimeout from the "SessionTimeOut" (u64
// seconds) property, when present.
func (m *Monitor) onSessionTimeout(changed map[string]dbus.Variant) {
	v, ok := changed["SessionTimeOut"]
	if !ok {
		return
	}
	seconds, ok := v.Value().(uint64)
	if !ok {
		log.Warn("SessionTimeOut property has unexpected type")
		return
	}
	m.core.SetSessionTimeout(time.Duration(seconds) * time.Second)
}

// onServiceEnable latches kvmStatus true when "Enabled" is present and
// false.
func (m *Monitor) onServiceEnable(changed map[string]dbus.Variant) {
	v, ok := changed["Enabled"]
	if !ok {
		return
	}
	enabled, ok := v.Value().(bool)
	if !ok {
		log.Warn("Enabled property has unexpected type")
		return
	}
	if !enabled {
		m.core.SetKvmDisabled()
	}
}

// onHostPower sets hostPowerState from the "CurrentPowerState" string
// property, matching "Off"/"On" substrings.
func (m *Monitor) onHostPower(changed map[string]dbus.Variant) {
	v, ok := changed["CurrentPowerState"]
	if !ok {
		return
	}
	s, ok := v.Value().(string)
	if !ok {
		log.Warn("CurrentPowerState property has unexpected type")
		return
	}
	switch {
	case strings.Contains(s, "Off"):
		m.core.SetHostPowerState(corestate.PowerOff)
	case strings.Contains(s, "On"):
		m.core.SetHostPowerState(corestate.PowerOn)
	}
}

// seedHostPowerState performs the one synchronous startup Get, defaulting
// to Unknown on any error.
func (m *Monitor) seedHostPowerState() {
	obj := m.conn.Object(chassisIface, chassisObjectPath)
	v, err := obj.GetProperty(chassisIface + ".CurrentPowerState")
	if err != nil {
		log.Warn("seed host power state failed, leaving Unknown", "error", err)
		return
	}
	s, ok := v.Value().(string)
	if !ok {
		return
	}
	switch {
	case strings.Contains(s, "Off"):
		m.core.SetHostPowerState(corestate.PowerOff)
	case strings.Contains(s, "On"):
		m.core.SetHostPowerState(corestate.PowerOn)
	}
}

// exportScreenshotObject exports the screenshot interface's TriggerScreenshot
// method. No Trigger property is exported on the object.
func (m *Monitor) exportScreenshotObject() {
	obj := &screenshotObject{core: m.core}
	m.conn.Export(obj, screenshotPath, screenshotIface)
	m.conn.Export(introspect.NewIntrospectable(&introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: screenshotIface},
		},
	}), screenshotPath, "org.freedesktop.DBus.Introspectable")
}

// screenshotObject implements the exported TriggerScreenshot(i32) -> string
// method: returns "Success" when arg==1, "Failure: ..." otherwise.
type screenshotObject struct {
	core *corestate.CoreContext
}

func (o *screenshotObject) TriggerScreenshot(mode int32) (string, *dbus.Error) {
	if mode != 1 {
		return "Failure: unsupported mode " + strconv.Itoa(int(mode)), nil
	}
	o.core.RequestScreenshot()
	return "Success", nil
}
