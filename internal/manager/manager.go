// Package manager implements the Manager Coordinator: it owns the Capture
// Engine, Input Relay, RFB Server Adapter, and Async Event Monitor, and runs
// the three cooperating goroutines (T_server, T_video, T_bus) that drive
// them, rendezvousing T_server and T_video around a shared condition.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openbmc-ikvm/ikvmd/internal/audit"
	"github.com/openbmc-ikvm/ikvmd/internal/capture"
	"github.com/openbmc-ikvm/ikvmd/internal/config"
	"github.com/openbmc-ikvm/ikvmd/internal/corestate"
	"github.com/openbmc-ikvm/ikvmd/internal/health"
	"github.com/openbmc-ikvm/ikvmd/internal/hidrelay"
	"github.com/openbmc-ikvm/ikvmd/internal/logging"
	"github.com/openbmc-ikvm/ikvmd/internal/metrics"
	"github.com/openbmc-ikvm/ikvmd/internal/monitor"
	"github.com/openbmc-ikvm/ikvmd/internal/rfbserver"
)

var log = logging.L("manager")

// Manager owns every long-lived component and sequences the render loop.
type Manager struct {
	cfg *config.Config

	core       *corestate.CoreContext
	rendezvous *corestate.Rendezvous

	capture *capture.State
	input   *hidrelay.Relay
	server  *rfbserver.Server
	mon     *monitor.Monitor

	audit   *audit.Logger
	health  *health.Monitor
	metrics *metrics.Registry

	wg sync.WaitGroup
}

// New wires every component together. The D-Bus monitor connection is
// optional in environments without a system bus (e.g. tests); Run still
// works, it just never receives platform signals.
func New(cfg *config.Config) (*Manager, error) {
	core := corestate.New(time.Duration(cfg.SessionTimeoutSecs) * time.Second)

	auditLogger, err := audit.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	input := hidrelay.New(cfg.KeyboardPath, cfg.PointerPath, cfg.UDCName)

	cap := capture.New(cfg.VideoPath, cfg.FrameRate, cfg.Subsampling, cfg.Format, cfg.CalcFrameCRC, input)

	m := &Manager{
		cfg:        cfg,
		core:       core,
		rendezvous: corestate.NewRendezvous(),
		capture:    cap,
		input:      input,
		audit:      auditLogger,
		health:     health.NewMonitor(),
		metrics:    metrics.NewRegistry(),
	}

	m.server = rfbserver.NewServer(cfg.RFBListenAddress, cfg.ServerName, cfg.FrameRate, adaptCapture{cap}, input, noopSessionRegistry{}, core, m.metrics, auditLogger)

	if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	mon, err := monitor.New(core)
	if err != nil {
		log.Warn("dbus monitor unavailable, running without platform signals", "error", err)
	} else {
		m.mon = mon
	}

	return m, nil
}

// adaptCapture narrows capture.State to rfbserver.FrameSource without
// exposing the rest of State's surface to the server package.
type adaptCapture struct{ s *capture.State }

func (a adaptCapture) PixelFormat() uint32         { return a.s.PixelFormat() }
func (a adaptCapture) Width() uint32               { return a.s.Width() }
func (a adaptCapture) Height() uint32              { return a.s.Height() }
func (a adaptCapture) FrontFrame() *capture.Buffer { return a.s.FrontFrame() }
func (a adaptCapture) ReleaseFrames() error        { return a.s.ReleaseFrames() }

// noopSessionRegistry satisfies rfbserver.SessionRegistry; New always passes
// it to the server, so no session is registered with a platform session
// manager and every RFB client keeps session id 0, tracked only by
// rfbserver's own per-client bookkeeping.
type noopSessionRegistry struct{}

func (noopSessionRegistry) SessionRegister(serviceType, privilege string, userID uint32, userName, remoteIP string) error {
	return nil
}
func (noopSessionRegistry) SessionList() ([]uint8, error) { return nil, nil }

func (noopSessionRegistry) SessionUnregister(sessionID uint8, serviceType, reason string) error {
	return nil
}

// Run starts T_server, T_video, T_bus and blocks until ctx is done, then
// waits for both render goroutines to observe continueExecuting=false and
// exit at their next rendezvous.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.server.Listen(); err != nil {
		m.health.Update(health.ComponentRFB, health.Unhealthy, err.Error())
		return err
	}
	m.health.Update(health.ComponentRFB, health.Healthy, "")
	defer m.server.Close()

	if m.mon != nil {
		m.health.Update(health.ComponentMonitor, health.Healthy, "")
	} else {
		m.health.Update(health.ComponentMonitor, health.Degraded, "dbus unavailable")
	}

	m.audit.Log(audit.EventDaemonStart, "", nil)

	if m.cfg.MetricsEnabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.metrics.Serve(ctx, m.cfg.MetricsListenAddress, m.health); err != nil {
				log.Warn("metrics server exited", "error", err)
			}
		}()
	}

	if m.mon != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.mon.Run(ctx)
		}()
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.serverLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.videoLoop()
	}()

	<-ctx.Done()
	m.core.Stop()
	m.wg.Wait()

	m.audit.Log(audit.EventDaemonStop, "", nil)
	if m.mon != nil {
		m.mon.Close()
	}
	return m.audit.Close()
}

// Health returns the component health monitor; Run hands the same monitor
// to metrics.Serve, which renders it on /healthz.
func (m *Manager) Health() *health.Monitor {
	return m.health
}

// serverLoop is T_server: pump the RFB event loop, then rendezvous.
func (m *Manager) serverLoop() {
	for m.core.ContinueExecuting() {
		m.server.Run()
		m.rendezvous.SetServerDone()
		m.rendezvous.WaitVideo()
	}
}

// videoLoop is T_video, implementing the four-step per-iteration capture,
// encode, send, and resize sequence.
func (m *Manager) videoLoop() {
	started := false

	for m.core.ContinueExecuting() {
		wantsFrame := m.server.WantsFrame()
		screenshotWanted := m.core.ScreenshotRequested()

		if wantsFrame || screenshotWanted {
			if !started {
				if err := m.capture.Start(); err != nil {
					log.Error("capture start failed", "error", err)
					m.health.Update(health.ComponentCapture, health.Unhealthy, err.Error())
					m.rendezvous.SetVideoDone()
					m.rendezvous.WaitServer()
					continue
				}
				started = true
				m.health.Update(health.ComponentCapture, health.Healthy, "")
			}

			if screenshotWanted && m.capture.FrameFormat() == capture.FormatPartialJPEG {
				if err := m.capture.FormatChange(capture.FormatStandardJPEG); err != nil {
					log.Warn("format change to standard jpeg failed", "error", err)
				} else {
					m.metrics.FramesEncoded.Inc()
				}
				m.audit.Log(audit.EventFormatChanged, "", map[string]any{"to": "standard_jpeg"})
			} else if m.capture.FrameFormat() != m.capture.OriginalFrameFormat() {
				if err := m.capture.FormatChange(m.capture.OriginalFrameFormat()); err != nil {
					log.Warn("format change to original format failed", "error", err)
				} else {
					m.metrics.FramesEncoded.Inc()
				}
				m.audit.Log(audit.EventFormatChanged, "", map[string]any{"to": "original"})
			}

			if err := m.capture.GetFrame(); err != nil {
				log.Warn("get frame failed", "error", err)
			} else {
				m.metrics.FramesCaptured.Inc()
			}

			if screenshotWanted && m.capture.FrameFormat() != capture.FormatPartialJPEG {
				path := filepath.Join(m.cfg.SnapshotDir, m.cfg.SnapshotFileName)
				if err := m.capture.ScreenShot(path, m.capture, m.core.HostPowerState() == corestate.PowerOff, m.cfg.NoSignalImagePath, m.cfg.PowerOffImagePath); err != nil {
					log.Error("screenshot failed", "error", err)
				} else {
					m.audit.Log(audit.EventScreenshotCaptured, "", map[string]any{"path": path})
					m.core.ClearScreenshotRequest()
				}
			}

			if m.server.WantsFrame() {
				m.server.SendFrame()
				m.metrics.FramesSent.Inc()
			} else if err := m.capture.ReleaseFrames(); err != nil {
				log.Warn("release frames failed", "error", err)
			}
		} else if started {
			if err := m.capture.Stop(); err != nil {
				log.Warn("capture stop failed", "error", err)
			}
			started = false
		}

		if started {
			needsResize, err := m.capture.NeedsResize()
			if err != nil {
				log.Error("needs resize check failed", "error", err)
				m.audit.Log(audit.EventCaptureRestart, "", map[string]any{"error": err.Error()})
			}
			if needsResize {
				m.rendezvous.WaitServer()
				m.rendezvous.ClearVideoDone()
				if err := m.capture.Resize(); err != nil {
					log.Error("capture resize failed", "error", err)
				} else {
					m.server.RequestResize(m.capture.Width(), m.capture.Height())
				}
				m.rendezvous.SetVideoDone()
				continue
			}
		}

		m.rendezvous.SetVideoDone()
		m.rendezvous.WaitServer()
	}

	if started {
		m.capture.Stop()
	}
}
