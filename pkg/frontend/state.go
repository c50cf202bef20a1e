// Package frontend holds the state reduction the GUI renders from: per
// bridge and per device views folded from subscriber events, a local
// staleness overlay on top of bridge-computed liveness, alert rule
// evaluation, and the persisted settings record. The Iced-side renderer
// consumes this state; it is not part of this module.
package frontend

import (
	"time"

	"github.com/p13marc/zensight/pkg/model"
	"github.com/p13marc/zensight/pkg/subscriber"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// BridgeView is the reduced per-bridge state.
type BridgeView struct {
	Protocol   model.Protocol
	Bridge     string
	Online     bool
	Health     model.HealthSnapshot
	LastUpdate time.Time
}

// DeviceView is the reduced per-device state. Status is the
// bridge-computed liveness; the staleness overlay is applied on read.
type DeviceView struct {
	Protocol            model.Protocol
	Device              string
	Status              model.DeviceStatus
	LastSeen            int64
	ConsecutiveFailures uint32
	LastError           string
	LastUpdate          time.Time
}

// Dashboard aggregates the headline counters.
type Dashboard struct {
	PointsReceived uint64
	ErrorCount     uint64
	BridgesOnline  int
	DevicesOnline  int
	ActiveAlerts   int
}

// State is the frontend's single reduction target. One reducer task
// applies events; views are value copies.
type State struct {
	clock          Clock
	staleThreshold time.Duration

	bridges map[model.Protocol]*BridgeView
	devices map[string]*DeviceView // protocol + "/" + device
	latest  map[string]*model.TelemetryPoint
	alerts  *AlertEngine

	pointsReceived uint64
	errorCount     uint64
}

// NewState builds the reducer. staleThreshold drives the local
// staleness overlay; clock may be nil for real time.
func NewState(staleThreshold time.Duration, alerts *AlertEngine, clock Clock) *State {
	if clock == nil {
		clock = realClock{}
	}
	if alerts == nil {
		alerts, _ = NewAlertEngine(nil)
	}
	if staleThreshold <= 0 {
		staleThreshold = 60 * time.Second
	}
	return &State{
		clock:          clock,
		staleThreshold: staleThreshold,
		bridges:        make(map[model.Protocol]*BridgeView),
		devices:        make(map[string]*DeviceView),
		latest:         make(map[string]*model.TelemetryPoint),
		alerts:         alerts,
	}
}

func deviceKey(p model.Protocol, device string) string {
	return string(p) + "/" + device
}

// Apply folds one subscriber event into the state and returns any alert
// transitions it caused.
func (s *State) Apply(ev subscriber.Event) []Transition {
	now := s.clock.Now()
	switch e := ev.(type) {
	case subscriber.PointUpdate:
		s.pointsReceived++
		s.latest[e.Key] = e.Point
		key := deviceKey(e.Point.Protocol, e.Point.Source)
		d, ok := s.devices[key]
		if !ok {
			d = &DeviceView{Protocol: e.Point.Protocol, Device: e.Point.Source, Status: model.DeviceUnknown}
			s.devices[key] = d
		}
		d.LastUpdate = now
		return s.alerts.Eval(e.Point)

	case subscriber.HealthUpdate:
		b := s.bridge(e.Protocol)
		b.Bridge = e.Snapshot.Bridge
		b.Health = e.Snapshot
		b.LastUpdate = now

	case subscriber.LivenessUpdate:
		key := deviceKey(e.Protocol, e.Liveness.Device)
		d, ok := s.devices[key]
		if !ok {
			d = &DeviceView{Protocol: e.Protocol, Device: e.Liveness.Device}
			s.devices[key] = d
		}
		d.Status = e.Liveness.Status
		d.LastSeen = e.Liveness.LastSeen
		d.ConsecutiveFailures = e.Liveness.ConsecutiveFailures
		d.LastError = e.Liveness.LastError
		d.LastUpdate = now

	case subscriber.ErrorUpdate:
		s.errorCount++

	case subscriber.BridgeOnline:
		b := s.bridge(e.Protocol)
		b.Bridge = e.Bridge
		b.Online = true
		b.LastUpdate = now

	case subscriber.BridgeOffline:
		b := s.bridge(e.Protocol)
		b.Online = false
		b.LastUpdate = now

	case subscriber.DeviceOnline:
		key := deviceKey(e.Protocol, e.Device)
		d, ok := s.devices[key]
		if !ok {
			d = &DeviceView{Protocol: e.Protocol, Device: e.Device}
			s.devices[key] = d
		}
		if d.Status == model.DeviceUnknown || d.Status == model.DeviceOffline {
			d.Status = model.DeviceOnline
		}
		d.LastUpdate = now

	case subscriber.DeviceOffline:
		key := deviceKey(e.Protocol, e.Device)
		if d, ok := s.devices[key]; ok {
			d.Status = model.DeviceOffline
			d.LastUpdate = now
		}
	}
	return nil
}

func (s *State) bridge(p model.Protocol) *BridgeView {
	b, ok := s.bridges[p]
	if !ok {
		b = &BridgeView{Protocol: p}
		s.bridges[p] = b
	}
	return b
}

// EffectiveStatus applies the local staleness overlay: a device whose
// last update is older than the threshold shows Offline regardless of
// the bridge-computed status.
func (s *State) EffectiveStatus(p model.Protocol, device string) model.DeviceStatus {
	d, ok := s.devices[deviceKey(p, device)]
	if !ok {
		return model.DeviceUnknown
	}
	if s.clock.Now().Sub(d.LastUpdate) > s.staleThreshold {
		return model.DeviceOffline
	}
	return d.Status
}

// Bridge returns a copy of the bridge view.
func (s *State) Bridge(p model.Protocol) (BridgeView, bool) {
	if b, ok := s.bridges[p]; ok {
		return *b, true
	}
	return BridgeView{}, false
}

// Device returns a copy of the device view.
func (s *State) Device(p model.Protocol, device string) (DeviceView, bool) {
	if d, ok := s.devices[deviceKey(p, device)]; ok {
		return *d, true
	}
	return DeviceView{}, false
}

// Latest returns the most recent point seen for a key.
func (s *State) Latest(key string) (*model.TelemetryPoint, bool) {
	p, ok := s.latest[key]
	return p, ok
}

// Dashboard assembles the headline counters.
func (s *State) Dashboard() Dashboard {
	d := Dashboard{
		PointsReceived: s.pointsReceived,
		ErrorCount:     s.errorCount,
		ActiveAlerts:   len(s.alerts.Active()),
	}
	for _, b := range s.bridges {
		if b.Online {
			d.BridgesOnline++
		}
	}
	for _, dev := range s.devices {
		if s.EffectiveStatus(dev.Protocol, dev.Device) == model.DeviceOnline {
			d.DevicesOnline++
		}
	}
	return d
}

// Alerts exposes the alert engine's active set.
func (s *State) Alerts() []Alert { return s.alerts.Active() }
