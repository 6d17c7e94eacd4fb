package monitor

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc-ikvm/ikvmd/internal/corestate"
)

func newTestMonitor() *Monitor {
	return &Monitor{core: corestate.New(30 * time.Second)}
}

func TestOnCrashSensorRequestsScreenshotOnRuntimeCriticalStop(t *testing.T) {
	m := newTestMonitor()
	m.onCrashSensor(map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(2))})
	if !m.core.ScreenshotRequested() {
		t.Fatal("expected screenshot flag set on offset==2")
	}
}

func TestOnCrashSensorIgnoresOtherOffsets(t *testing.T) {
	m := newTestMonitor()
	m.onCrashSensor(map[string]dbus.Variant{"offset": dbus.MakeVariant(uint16(1))})
	if m.core.ScreenshotRequested() {
		t.Fatal("expected screenshot flag untouched for non-matching offset")
	}
}

func TestOnCrashSensorIgnoresMalformedType(t *testing.T) {
	m := newTestMonitor()
	m.onCrashSensor(map[string]dbus.Variant{"offset": dbus.MakeVariant("not a number")})
	if m.core.ScreenshotRequested() {
		t.Fatal("expected no mutation on malformed offset type")
	}
}

func TestOnCrashSensorIgnoresMissingProperty(t *testing.T) {
	m := newTestMonitor()
	m.onCrashSensor(map[string]dbus.Variant{"unrelated": dbus.MakeVariant(uint16(2))})
	if m.core.ScreenshotRequested() {
		t.Fatal("expected no mutation when offset property absent")
	}
}

func TestOnScreenshotTriggerSetsFlagOnTrue(t *testing.T) {
	m := newTestMonitor()
	m.onScreenshotTrigger(map[string]dbus.Variant{"Trigger": dbus.MakeVariant(true)})
	if !m.core.ScreenshotRequested() {
		t.Fatal("expected screenshot flag set on Trigger==true")
	}
}

func TestOnScreenshotTriggerIgnoresFalse(t *testing.T) {
	m := newTestMonitor()
	m.onScreenshotTrigger(map[string]dbus.Variant{"Trigger": dbus.MakeVariant(false)})
	if m.core.ScreenshotRequested() {
		t.Fatal("expected no mutation on Trigger==false")
	}
}

func TestOnSessionListReplacesIdsFromUint8Tuples(t *testing.T) {
	m := newTestMonitor()
	tuples := [][]interface{}{
		{uint8(1), "admin"},
		{uint8(3), "guest"},
	}
	m.onSessionList(map[string]dbus.Variant{"KvmSessionInfo": dbus.MakeVariant(tuples)})
	ids := m.core.ActiveSessionIds()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ActiveSessionIds() = %v, want [1 3]", ids)
	}
}

func TestOnSessionListReplacesIdsFromUint16Tuples(t *testing.T) {
	m := newTestMonitor()
	tuples := [][]interface{}{
		{uint16(5)},
	}
	m.onSessionList(map[string]dbus.Variant{"KvmSessionInfo": dbus.MakeVariant(tuples)})
	ids := m.core.ActiveSessionIds()
	if len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("ActiveSessionIds() = %v, want [5]", ids)
	}
}

func TestOnSessionListLeavesStateOnMalformedType(t *testing.T) {
	m := newTestMonitor()
	m.core.SetActiveSessionIds([]uint16{9})
	m.onSessionList(map[string]dbus.Variant{"KvmSessionInfo": dbus.MakeVariant("garbage")})
	ids := m.core.ActiveSessionIds()
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("ActiveSessionIds() = %v, want unchanged [9]", ids)
	}
}

func TestOnSessionTimeoutUpdatesDuration(t *testing.T) {
	m := newTestMonitor()
	m.onSessionTimeout(map[string]dbus.Variant{"SessionTimeOut": dbus.MakeVariant(uint64(120))})
	if got := m.core.SessionTimeout(); got != 120*time.Second {
		t.Fatalf("SessionTimeout() = %v, want 120s", got)
	}
}

func TestOnSessionTimeoutIgnoresMalformedType(t *testing.T) {
	m := newTestMonitor()
	m.onSessionTimeout(map[string]dbus.Variant{"SessionTimeOut": dbus.MakeVariant("oops")})
	if got := m.core.SessionTimeout(); got != 30*time.Second {
		t.Fatalf("SessionTimeout() = %v, want unchanged 30s", got)
	}
}

func TestOnServiceEnableLatchesDisabledOnFalse(t *testing.T) {
	m := newTestMonitor()
	m.onServiceEnable(map[string]dbus.Variant{"Enabled": dbus.MakeVariant(false)})
	if !m.core.KvmStatus() {
		t.Fatal("expected kvmStatus latched true when Enabled==false")
	}
}

func TestOnServiceEnableIgnoresTrue(t *testing.T) {
	m := newTestMonitor()
	m.onServiceEnable(map[string]dbus.Variant{"Enabled": dbus.MakeVariant(true)})
	if m.core.KvmStatus() {
		t.Fatal("expected kvmStatus untouched when Enabled==true")
	}
}

func TestOnHostPowerMatchesOffAndOn(t *testing.T) {
	m := newTestMonitor()
	m.onHostPower(map[string]dbus.Variant{"CurrentPowerState": dbus.MakeVariant("xyz.openbmc_project.State.Chassis.PowerState.Off")})
	if got := m.core.HostPowerState(); got != corestate.PowerOff {
		t.Fatalf("HostPowerState() = %v, want PowerOff", got)
	}
	m.onHostPower(map[string]dbus.Variant{"CurrentPowerState": dbus.MakeVariant("xyz.openbmc_project.State.Chassis.PowerState.On")})
	if got := m.core.HostPowerState(); got != corestate.PowerOn {
		t.Fatalf("HostPowerState() = %v, want PowerOn", got)
	}
}

func TestOnHostPowerIgnoresUnrecognizedString(t *testing.T) {
	m := newTestMonitor()
	m.onHostPower(map[string]dbus.Variant{"CurrentPowerState": dbus.MakeVariant("weird")})
	if got := m.core.HostPowerState(); got != corestate.PowerUnknown {
		t.Fatalf("HostPowerState() = %v, want PowerUnknown", got)
	}
}

func TestDispatchIgnoresNonPropertiesChangedSignal(t *testing.T) {
	m := newTestMonitor()
	sig := &dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{"foo"},
	}
	m.dispatch(sig)
	if m.core.ScreenshotRequested() || m.core.KvmStatus() {
		t.Fatal("expected no mutation for unrelated signal name")
	}
}

func TestDispatchIgnoresMalformedBody(t *testing.T) {
	m := newTestMonitor()
	sig := &dbus.Signal{
		Name: propertiesChangedIface + "." + propertiesChangedMember,
		Path: screenshotPath,
		Body: []interface{}{123},
	}
	m.dispatch(sig)
	if m.core.ScreenshotRequested() {
		t.Fatal("expected no mutation for malformed signal body")
	}
}

func TestDispatchRoutesScreenshotTrigger(t *testing.T) {
	m := newTestMonitor()
	sig := &dbus.Signal{
		Name: propertiesChangedIface + "." + propertiesChangedMember,
		Path: screenshotPath,
		Body: []interface{}{
			screenshotIface,
			map[string]dbus.Variant{"Trigger": dbus.MakeVariant(true)},
		},
	}
	m.dispatch(sig)
	if !m.core.ScreenshotRequested() {
		t.Fatal("expected dispatch to route to onScreenshotTrigger")
	}
}

func TestDispatchRoutesServiceAttrsToBothCallbacks(t *testing.T) {
	m := newTestMonitor()
	sig := &dbus.Signal{
		Name: propertiesChangedIface + "." + propertiesChangedMember,
		Path: serviceManagerKVMPath,
		Body: []interface{}{
			serviceAttrsIface,
			map[string]dbus.Variant{
				"Enabled":        dbus.MakeVariant(false),
				"SessionTimeOut": dbus.MakeVariant(uint64(60)),
			},
		},
	}
	m.dispatch(sig)
	if !m.core.KvmStatus() {
		t.Fatal("expected onServiceEnable to run")
	}
	if got := m.core.SessionTimeout(); got != 60*time.Second {
		t.Fatalf("SessionTimeout() = %v, want 60s", got)
	}
}

func TestTriggerScreenshotSucceedsOnModeOne(t *testing.T) {
	core := corestate.New(30 * time.Second)
	obj := &screenshotObject{core: core}
	result, dbusErr := obj.TriggerScreenshot(1)
	if dbusErr != nil {
		t.Fatalf("unexpected dbus error: %v", dbusErr)
	}
	if result != "Success" {
		t.Fatalf("result = %q, want Success", result)
	}
	if !core.ScreenshotRequested() {
		t.Fatal("expected screenshot flag set after successful trigger")
	}
}

func TestTriggerScreenshotFailsOnUnsupportedMode(t *testing.T) {
	core := corestate.New(30 * time.Second)
	obj := &screenshotObject{core: core}
	result, dbusErr := obj.TriggerScreenshot(9)
	if dbusErr != nil {
		t.Fatalf("unexpected dbus error: %v", dbusErr)
	}
	if result == "Success" {
		t.Fatal("expected failure result for unsupported mode")
	}
	if core.ScreenshotRequested() {
		t.Fatal("expected no screenshot request on unsupported mode")
	}
}
