package model

// BridgeStatus is the coarse health classification published by a bridge.
type BridgeStatus string

const (
	BridgeHealthy   BridgeStatus = "healthy"
	BridgeDegraded  BridgeStatus = "degraded"
	BridgeUnhealthy BridgeStatus = "unhealthy"
)

// HealthSnapshot is published periodically per bridge under
// zensight/<protocol>/@/health. It is overwritten in place on each update.
type HealthSnapshot struct {
	Bridge             string       `json:"bridge"`
	Status             BridgeStatus `json:"status"`
	UptimeSecs         uint64       `json:"uptime_secs"`
	DevicesTotal       uint64       `json:"devices_total"`
	DevicesResponding  uint64       `json:"devices_responding"`
	DevicesFailed      uint64       `json:"devices_failed"`
	LastPollDurationMS uint64       `json:"last_poll_duration_ms"`
	ErrorsLastHour     uint64       `json:"errors_last_hour"`
	MetricsPublished   uint64       `json:"metrics_published"`
}

// DeviceStatus is the availability classification of a polled device.
type DeviceStatus string

const (
	DeviceOnline   DeviceStatus = "online"
	DeviceDegraded DeviceStatus = "degraded"
	DeviceOffline  DeviceStatus = "offline"
	DeviceUnknown  DeviceStatus = "unknown"
)

// DeviceLiveness is the per-device availability record published under
// zensight/<protocol>/@/devices/<device>/liveness.
type DeviceLiveness struct {
	Device              string       `json:"device"`
	Status              DeviceStatus `json:"status"`
	LastSeen            int64        `json:"last_seen"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
}

// ErrorType classifies a published error report.
type ErrorType string

const (
	ErrTimeout    ErrorType = "timeout"
	ErrAuth       ErrorType = "auth"
	ErrConnection ErrorType = "connection"
	ErrParse      ErrorType = "parse"
	ErrConfig     ErrorType = "config"
	ErrOther      ErrorType = "other"
)

// ErrorReport is a fire-and-forget error record published under
// zensight/<protocol>/@/errors.
type ErrorReport struct {
	Timestamp int64     `json:"timestamp"`
	Device    string    `json:"device,omitempty"`
	ErrorType ErrorType `json:"error_type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// CorrelationRecord joins the same host across protocols. Published under
// zensight/_meta/correlation/<ip>.
type CorrelationRecord struct {
	IP        string   `json:"ip"`
	Source    string   `json:"source"`
	Protocol  Protocol `json:"protocol"`
	Bridge    string   `json:"bridge"`
	UpdatedMS int64    `json:"updated_ms"`
}

// BridgeAnnouncement is published once at startup under
// zensight/_meta/bridges/<bridge> so consumers can enumerate bridges and
// their control subjects.
type BridgeAnnouncement struct {
	Bridge    string   `json:"bridge"`
	Protocol  Protocol `json:"protocol"`
	Instance  string   `json:"instance"`
	StartedMS int64    `json:"started_ms"`
}
