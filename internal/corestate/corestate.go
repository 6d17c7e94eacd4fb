// Package corestate holds the process-wide state shared between the
// render thread, the RFB thread, and the async event monitor.
package corestate

import (
	"sync"
	"sync/atomic"
	"time"
)

// HostPowerState is the last-known chassis power transition.
type HostPowerState int

const (
	PowerUnknown HostPowerState = iota
	PowerOn
	PowerOff
)

func (s HostPowerState) String() string {
	switch s {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

// CoreContext is the shared state mutated by the Async Event Monitor and
// read by the Manager's render and RFB threads. hostPowerState, kvmStatus,
// and activeSessionIds are single-writer (the monitor); screenshotFlag
// transitions false->true from the monitor and true->false only from the
// render thread after a successful snapshot.
type CoreContext struct {
	mu sync.RWMutex

	continueExecuting bool
	hostPowerState    HostPowerState
	kvmStatus         bool
	sessionTimeout    time.Duration
	activeSessionIds  []uint8

	screenshotFlag atomic.Bool
}

// New creates a CoreContext seeded with the given session timeout.
// hostPowerState starts Unknown until the monitor's startup seed Get completes.
func New(sessionTimeout time.Duration) *CoreContext {
	return &CoreContext{
		continueExecuting: true,
		hostPowerState:    PowerUnknown,
		sessionTimeout:    sessionTimeout,
	}
}

func (c *CoreContext) ContinueExecuting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.continueExecuting
}

func (c *CoreContext) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.continueExecuting = false
}

func (c *CoreContext) HostPowerState() HostPowerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostPowerState
}

func (c *CoreContext) SetHostPowerState(s HostPowerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostPowerState = s
}

func (c *CoreContext) KvmStatus() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kvmStatus
}

// SetKvmDisabled is the monitor's only write path; once set, it is never
// cleared by this process (a redeployed/re-enabled service restarts).
func (c *CoreContext) SetKvmDisabled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kvmStatus = true
}

func (c *CoreContext) SessionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionTimeout
}

func (c *CoreContext) SetSessionTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionTimeout = d
}

// ActiveSessionIds returns a snapshot copy so readers never observe a torn
// sequence while the monitor callback replaces the slice concurrently.
func (c *CoreContext) ActiveSessionIds() []uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint8, len(c.activeSessionIds))
	copy(out, c.activeSessionIds)
	return out
}

// SetActiveSessionIds replaces the authoritative session list. ids wider
// than 8 bits are truncated on ingest per the pinned session-id width.
func (c *CoreContext) SetActiveSessionIds(ids []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSessionIds = c.activeSessionIds[:0]
	for _, id := range ids {
		c.activeSessionIds = append(c.activeSessionIds, uint8(id))
	}
}

// HasSession reports whether id is present in the active session list.
func (c *CoreContext) HasSession(id uint8) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.activeSessionIds {
		if v == id {
			return true
		}
	}
	return false
}

func (c *CoreContext) ScreenshotRequested() bool {
	return c.screenshotFlag.Load()
}

func (c *CoreContext) RequestScreenshot() {
	c.screenshotFlag.Store(true)
}

// ClearScreenshotRequest is called exclusively by the render thread after a
// successful snapshot write.
func (c *CoreContext) ClearScreenshotRequest() {
	c.screenshotFlag.Store(false)
}

// Rendezvous is the two-thread barrier between T_server and T_video,
// gated by serverDone/videoDone booleans under one mutex and condition.
type Rendezvous struct {
	mu         sync.Mutex
	cond       *sync.Cond
	serverDone bool
	videoDone  bool
}

func NewRendezvous() *Rendezvous {
	r := &Rendezvous{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetServerDone marks serverDone true and wakes any waiter.
func (r *Rendezvous) SetServerDone() {
	r.mu.Lock()
	r.serverDone = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// SetVideoDone marks videoDone true and wakes any waiter. Video is allowed
// to race ahead of server when no resize is pending, so this never blocks.
func (r *Rendezvous) SetVideoDone() {
	r.mu.Lock()
	r.videoDone = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// WaitServer blocks until serverDone, then clears it.
func (r *Rendezvous) WaitServer() {
	r.mu.Lock()
	for !r.serverDone {
		r.cond.Wait()
	}
	r.serverDone = false
	r.mu.Unlock()
}

// WaitVideo blocks until videoDone but does not clear it.
func (r *Rendezvous) WaitVideo() {
	r.mu.Lock()
	for !r.videoDone {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// ClearVideoDone resets videoDone ahead of a resize cycle.
func (r *Rendezvous) ClearVideoDone() {
	r.mu.Lock()
	r.videoDone = false
	r.mu.Unlock()
}
