// Package pairing translates bridge lifecycle events into a
// user-observable pairing state machine.
package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/mqtt"
)

// CommandPublisher is the outbound slice of the broker client.
type CommandPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// DeviceRegistrar persists devices that complete their interview.
type DeviceRegistrar interface {
	UpsertDevice(d *domain.Device) error
}

// permitJoinRequest is the wire shape sent to the bridge.
type permitJoinRequest struct {
	Value bool `json:"value"`
	Time  int  `json:"time"`
}

// bridgeEvent is the wire shape of <base>/bridge/event messages.
type bridgeEvent struct {
	Type string `json:"type"`
	Data struct {
		IEEEAddress  string `json:"ieee_address"`
		FriendlyName string `json:"friendly_name"`
		Status       string `json:"status"`
		Definition   struct {
			Model       string `json:"model"`
			Vendor      string `json:"vendor"`
			Description string `json:"description"`
		} `json:"definition"`
	} `json:"data"`
}

// permitJoinResponse is the bridge's acknowledgement.
type permitJoinResponse struct {
	Data struct {
		Value bool `json:"value"`
		Time  int  `json:"time"`
	} `json:"data"`
}

type session struct {
	id         string
	status     string
	message    string
	total      int
	remaining  int
	current    *broadcast.DiscoveredDevice
	discovered []broadcast.DiscoveredDevice
	cancel     context.CancelFunc
}

// Manager runs at most one pairing window at a time. Bridge events
// outside a window are ignored.
type Manager struct {
	publisher CommandPublisher
	registrar DeviceRegistrar
	topics    mqtt.Topics
	bus       broadcast.Broadcaster
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	session *session
}

func NewManager(baseTopic string, publisher CommandPublisher, registrar DeviceRegistrar, bus broadcast.Broadcaster, logger *slog.Logger) *Manager {
	return &Manager{
		publisher: publisher,
		registrar: registrar,
		topics:    mqtt.Topics{Base: baseTopic},
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// StartPairing asks the bridge to open the network for durationSeconds
// and returns the pairing session ID. Only one window may be active.
func (m *Manager) StartPairing(ctx context.Context, durationSeconds int) (string, error) {
	if durationSeconds <= 0 {
		return "", fmt.Errorf("pairing duration must be positive, got %d", durationSeconds)
	}

	m.mu.Lock()
	if m.session != nil {
		id := m.session.id
		m.mu.Unlock()
		return "", fmt.Errorf("pairing session %s already active", id)
	}
	s := &session{
		id:        uuid.NewString(),
		status:    broadcast.PairingStarting,
		message:   "Requesting permit join from bridge",
		total:     durationSeconds,
		remaining: durationSeconds,
	}
	m.session = s
	m.emitLocked(s)
	m.mu.Unlock()

	err := m.publisher.Publish(ctx, m.topics.PermitJoinRequest(),
		permitJoinRequest{Value: true, Time: durationSeconds})
	if err != nil {
		m.fail(s.id, fmt.Sprintf("permit join request failed: %v", err))
		return "", fmt.Errorf("start pairing: %w", err)
	}
	m.logger.Info("pairing requested", "session", s.id, "duration_s", durationSeconds)
	return s.id, nil
}

// StopPairing asks the bridge to close the network. The session ends
// when the bridge acknowledges.
func (m *Manager) StopPairing(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("no active pairing session")
	}
	s.status = broadcast.PairingStopping
	s.message = "Closing the network"
	m.emitLocked(s)
	m.mu.Unlock()

	err := m.publisher.Publish(ctx, m.topics.PermitJoinRequest(),
		permitJoinRequest{Value: false, Time: 0})
	if err != nil {
		m.fail(s.id, fmt.Sprintf("permit join close failed: %v", err))
		return fmt.Errorf("stop pairing: %w", err)
	}
	return nil
}

// HandlePermitJoinResponse feeds a bridge acknowledgement into the
// state machine: value=true activates the window and starts the
// countdown, value=false ends it.
func (m *Manager) HandlePermitJoinResponse(payload []byte) {
	var resp permitJoinResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		m.logger.Warn("malformed permit join response", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return
	}

	if !resp.Data.Value {
		m.endLocked(s, "Pairing window closed")
		return
	}

	if resp.Data.Time > 0 {
		s.remaining = resp.Data.Time
		if s.total < resp.Data.Time {
			s.total = resp.Data.Time
		}
	}
	s.status = broadcast.PairingActive
	s.message = "Network open, waiting for devices"
	m.emitLocked(s)

	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go m.countdown(ctx, s.id)
	}
}

// HandleBridgeEvent feeds device lifecycle events into the state
// machine. Events outside an active window are ignored.
func (m *Manager) HandleBridgeEvent(payload []byte) {
	var ev bridgeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.logger.Warn("malformed bridge event", "error", err)
		return
	}

	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}

	paired := false
	switch ev.Type {
	case "device_joined", "device_announce":
		d := m.upsertDiscoveredLocked(s, ev, broadcast.DiscoveredJoined)
		s.current = d
		s.status = broadcast.PairingActive
		s.message = fmt.Sprintf("Device %s joined", d.IEEEAddress)
		m.emitLocked(s)

	case "device_interview":
		switch ev.Data.Status {
		case "started":
			d := m.upsertDiscoveredLocked(s, ev, broadcast.DiscoveredInterviewing)
			s.current = d
			s.status = broadcast.PairingInterviewing
			s.message = fmt.Sprintf("Interviewing %s", d.IEEEAddress)
			m.emitLocked(s)
		case "successful":
			d := m.upsertDiscoveredLocked(s, ev, broadcast.DiscoveredReady)
			s.current = d
			s.status = broadcast.PairingDevicePaired
			s.message = fmt.Sprintf("Device %s paired", deviceLabel(*d))
			m.emitLocked(s)
			paired = true
		case "failed":
			d := m.upsertDiscoveredLocked(s, ev, broadcast.DiscoveredFailed)
			s.current = d
			// One failed interview does not end the window; other
			// devices can still join.
			s.status = broadcast.PairingActive
			s.message = fmt.Sprintf("Interview of %s failed", d.IEEEAddress)
			m.emitLocked(s)
		}
	}
	m.mu.Unlock()

	// The registrar hits the database; keep it outside the lock so
	// bridge events and ticks are never stalled behind device I/O.
	if paired {
		m.registerDevice(ev)
	}
}

// countdown ticks once per second for the session's remaining window,
// then ends it.
func (m *Manager) countdown(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			s := m.session
			if s == nil || s.id != sessionID {
				m.mu.Unlock()
				return
			}
			s.remaining--
			if s.remaining <= 0 {
				m.endLocked(s, "Pairing window expired")
				m.mu.Unlock()
				return
			}
			if s.status == broadcast.PairingActive || s.status == broadcast.PairingCountdownTick {
				s.status = broadcast.PairingCountdownTick
				m.emitLocked(s)
			}
			m.mu.Unlock()
		}
	}
}

// fail transitions the named session to the terminal Failed state.
func (m *Manager) fail(sessionID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.id != sessionID {
		return
	}
	s.status = broadcast.PairingFailed
	s.message = message
	m.emitLocked(s)
	m.clearLocked(s)
}

func (m *Manager) endLocked(s *session, message string) {
	s.status = broadcast.PairingEnded
	s.message = message
	s.remaining = 0
	m.emitLocked(s)
	m.clearLocked(s)
}

func (m *Manager) clearLocked(s *session) {
	if s.cancel != nil {
		s.cancel()
	}
	m.session = nil
}

// upsertDiscoveredLocked records or updates one discovered device and
// returns a pointer into the session's accumulated list.
func (m *Manager) upsertDiscoveredLocked(s *session, ev bridgeEvent, status string) *broadcast.DiscoveredDevice {
	for i := range s.discovered {
		if s.discovered[i].IEEEAddress == ev.Data.IEEEAddress {
			d := &s.discovered[i]
			d.Status = status
			if ev.Data.FriendlyName != "" {
				d.FriendlyName = ev.Data.FriendlyName
			}
			if ev.Data.Definition.Model != "" {
				d.ModelID = ev.Data.Definition.Model
			}
			if ev.Data.Definition.Vendor != "" {
				d.Manufacturer = ev.Data.Definition.Vendor
			}
			return d
		}
	}
	s.discovered = append(s.discovered, broadcast.DiscoveredDevice{
		IEEEAddress:  ev.Data.IEEEAddress,
		FriendlyName: ev.Data.FriendlyName,
		ModelID:      ev.Data.Definition.Model,
		Manufacturer: ev.Data.Definition.Vendor,
		Status:       status,
	})
	return &s.discovered[len(s.discovered)-1]
}

// registerDevice persists a successfully interviewed device.
func (m *Manager) registerDevice(ev bridgeEvent) {
	if m.registrar == nil {
		return
	}
	deviceID := ev.Data.FriendlyName
	if deviceID == "" {
		deviceID = ev.Data.IEEEAddress
	}
	now := m.now().UTC()
	device := &domain.Device{
		DeviceID:     deviceID,
		FriendlyName: deviceID,
		IEEEAddress:  ev.Data.IEEEAddress,
		ModelID:      ev.Data.Definition.Model,
		Manufacturer: ev.Data.Definition.Vendor,
		Description:  ev.Data.Definition.Description,
		LastSeen:     &now,
		IsAvailable:  true,
	}
	if err := m.registrar.UpsertDevice(device); err != nil {
		m.logger.Error("register paired device", "device", deviceID, "error", err)
		return
	}
	m.logger.Info("paired device registered",
		"device", deviceID, "ieee", ev.Data.IEEEAddress, "model", ev.Data.Definition.Model)
}

// emitLocked broadcasts a snapshot of the session. Caller holds the
// mutex.
func (m *Manager) emitLocked(s *session) {
	snapshot := broadcast.DevicePairingProgress{
		ID:               s.id,
		Status:           s.status,
		Message:          s.message,
		RemainingSeconds: s.remaining,
		TotalSeconds:     s.total,
		Timestamp:        m.now().UTC(),
	}
	if s.current != nil {
		current := *s.current
		snapshot.CurrentDevice = &current
	}
	if len(s.discovered) > 0 {
		snapshot.DiscoveredDevices = append([]broadcast.DiscoveredDevice(nil), s.discovered...)
	}
	m.bus.BroadcastDevicePairingProgress(snapshot)
}

// label picks the friendliest available identifier.
func deviceLabel(d broadcast.DiscoveredDevice) string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.IEEEAddress
}
