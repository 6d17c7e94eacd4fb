package rfbserver

import (
	"fmt"

	"github.com/openbmc-ikvm/ikvmd/internal/audit"
)

// roundDownToMultipleOf8 computes a new client's initial skipFrame count:
// frameRate rounded down to the nearest multiple of 8.
func roundDownToMultipleOf8(n int) int {
	return (n / 8) * 8
}

// newClient allocates per-client state, disables host USB power save,
// registers the session, and on the 0->1 client transition connects the
// Input Relay and resets the render counters.
func (s *Server) newClient(c *client) {
	c.setSkipFrame(roundDownToMultipleOf8(s.frameRate))
	// The idle window starts at connect, so a client that never sends a
	// key or pointer event is still closed once sessionTimeout elapses.
	c.touchActivity()

	if err := s.input.SetUSBPowerSave(false); err != nil {
		log.Warn("disable USB power save failed", "error", err)
	}

	if s.session != nil {
		if err := s.session.SessionRegister(serviceTypeKVM, privilegeAdmin, 0, "local", remoteIPPlaceholder); err != nil {
			log.Warn("session register failed", "error", err)
		} else if ids, err := s.session.SessionList(); err == nil && len(ids) > 0 {
			id := ids[len(ids)-1]
			c.setSessionID(id)
			if s.core != nil {
				current := s.core.ActiveSessionIds()
				all := make([]uint16, 0, len(current)+1)
				for _, v := range current {
					all = append(all, uint16(v))
				}
				all = append(all, uint16(id))
				s.core.SetActiveSessionIds(all)
			}
		}
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	transitionToFirst := len(s.clients) == 1
	if transitionToFirst {
		s.pendingResize = false
		s.frameCounter = 0
	}
	s.mu.Unlock()

	if transitionToFirst {
		if err := s.input.Connect(); err != nil {
			log.Warn("input relay connect failed", "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.ClientsActive.Inc()
	}

	s.audit.Log(audit.EventClientConnected, sessionCommandID(c.getSessionID()), map[string]any{"remote": c.raw.RemoteAddr().String()})

	log.Info("rfb client connected", "sessionId", c.getSessionID())
}

// sessionCommandID gives each client's audit trail a correlation id: every
// entry from connect through disconnect or a forced close shares it, so a
// reader can `grep` one session's lifecycle out of the JSONL stream.
func sessionCommandID(sessionID uint8) string {
	return fmt.Sprintf("session-%d", sessionID)
}

// clientGone unregisters the session, removes the client, and on the
// last-client-out transition disconnects the Input Relay and restores USB
// power save.
func (s *Server) clientGone(c *client) {
	c.close()

	sessionID := c.getSessionID()
	if s.session != nil && sessionID != 0 {
		if err := s.session.SessionUnregister(sessionID, serviceTypeKVM, reasonLogout); err != nil {
			log.Warn("session unregister failed", "sessionId", sessionID, "error", err)
		}
	}
	if s.core != nil && sessionID != 0 {
		ids := s.core.ActiveSessionIds()
		filtered := make([]uint16, 0, len(ids))
		for _, id := range ids {
			if id != sessionID {
				filtered = append(filtered, uint16(id))
			}
		}
		s.core.SetActiveSessionIds(filtered)
	}

	s.mu.Lock()
	_, existed := s.clients[c]
	delete(s.clients, c)
	transitionToLast := existed && len(s.clients) == 0
	s.mu.Unlock()

	if !existed {
		return
	}

	if s.metrics != nil {
		s.metrics.ClientsActive.Dec()
	}

	s.audit.Log(audit.EventClientDisconnected, sessionCommandID(sessionID), nil)

	if transitionToLast {
		if err := s.input.Disconnect(); err != nil {
			log.Warn("input relay disconnect failed", "error", err)
		}
		if err := s.input.SetUSBPowerSave(true); err != nil {
			log.Warn("enable USB power save failed", "error", err)
		}
	}

	log.Info("rfb client disconnected", "sessionId", sessionID)
}

// DoResize gives every connected client a grace window to redraw by setting
// its skipFrame to frameRate. The server keeps no framebuffer of its own and
// sends no size change to clients; width and height are only logged.
func (s *Server) DoResize(width, height uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.setSkipFrame(s.frameRate)
	}
	log.Info("rfb doResize", "width", width, "height", height)
}
