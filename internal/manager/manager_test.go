package manager

import (
	"testing"

	"github.com/openbmc-ikvm/ikvmd/internal/health"
	"github.com/openbmc-ikvm/ikvmd/internal/rfbserver"
)

var (
	_ rfbserver.FrameSource     = adaptCapture{}
	_ rfbserver.SessionRegistry = noopSessionRegistry{}
)

func TestNoopSessionRegistryIsInert(t *testing.T) {
	r := noopSessionRegistry{}
	if err := r.SessionRegister("KVM", "Admin", 0, "local", "~"); err != nil {
		t.Fatalf("SessionRegister() = %v, want nil", err)
	}
	ids, err := r.SessionList()
	if err != nil || ids != nil {
		t.Fatalf("SessionList() = %v, %v, want nil, nil", ids, err)
	}
	if err := r.SessionUnregister(1, "KVM", "LOGOUT"); err != nil {
		t.Fatalf("SessionUnregister() = %v, want nil", err)
	}
}

func TestHealthAccessorReturnsSharedMonitor(t *testing.T) {
	hm := health.NewMonitor()
	m := &Manager{health: hm}
	if m.Health() != hm {
		t.Fatal("Health() should return the same monitor instance stored on construction")
	}
}
