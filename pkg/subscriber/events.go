package subscriber

import "github.com/p13marc/zensight/pkg/model"

// Event is a decoded delivery from the fabric, fanned out to the
// consumer (visualizer, exporter).
type Event interface{ isEvent() }

// PointUpdate carries one telemetry point. FromHistory marks samples
// replayed from a publisher cache rather than received live.
type PointUpdate struct {
	Key         string
	Point       *model.TelemetryPoint
	FromHistory bool
}

// HealthUpdate carries a bridge health snapshot.
type HealthUpdate struct {
	Protocol model.Protocol
	Snapshot model.HealthSnapshot
}

// LivenessUpdate carries a device liveness record.
type LivenessUpdate struct {
	Protocol model.Protocol
	Liveness model.DeviceLiveness
}

// ErrorUpdate carries a bridge error report.
type ErrorUpdate struct {
	Protocol model.Protocol
	Report   model.ErrorReport
}

// CorrelationUpdate carries a cross-bridge correlation record.
type CorrelationUpdate struct {
	Record model.CorrelationRecord
}

// BridgeOnline is emitted when a bridge liveness token appears.
type BridgeOnline struct {
	Protocol model.Protocol
	Bridge   string
	Instance string
}

// BridgeOffline is emitted when a bridge token is revoked or its
// keepalive window lapses.
type BridgeOffline struct {
	Protocol model.Protocol
	Bridge   string
}

// DeviceOnline is emitted when a device liveness token appears.
type DeviceOnline struct {
	Protocol model.Protocol
	Device   string
}

// DeviceOffline is emitted when a device token disappears.
type DeviceOffline struct {
	Protocol model.Protocol
	Device   string
}

func (PointUpdate) isEvent()       {}
func (HealthUpdate) isEvent()      {}
func (LivenessUpdate) isEvent()    {}
func (ErrorUpdate) isEvent()       {}
func (CorrelationUpdate) isEvent() {}
func (BridgeOnline) isEvent()      {}
func (BridgeOffline) isEvent()     {}
func (DeviceOnline) isEvent()      {}
func (DeviceOffline) isEvent()     {}
