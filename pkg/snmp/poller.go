package snmp

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/p13marc/zensight/pkg/bridge"
	"github.com/p13marc/zensight/pkg/model"
)

// Poller runs the scheduled GET/WALK loop for one device.
type Poller struct {
	device  DeviceConfig
	oids    []string
	walks   []string
	mapper  *Mapper
	factory ClientFactory
	logger  *zap.Logger

	client Client
}

// NewPoller builds a device poller. oids and walks are the merged
// device + group lists.
func NewPoller(device DeviceConfig, oids, walks []string, mapper *Mapper, factory ClientFactory, logger *zap.Logger) *Poller {
	if factory == nil {
		factory = NewClient
	}
	return &Poller{
		device:  device,
		oids:    oids,
		walks:   walks,
		mapper:  mapper,
		factory: factory,
		logger:  logger,
	}
}

// Run drives the poll schedule until ctx is cancelled. The schedule does
// not drift: each tick is the previous scheduled tick plus the period,
// and ticks that fell behind a long poll are skipped.
func (p *Poller) Run(ctx context.Context, h *bridge.Handles) error {
	period := time.Duration(p.device.PollIntervalSecs) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}
	p.logger.Info("snmp poller started",
		zap.String("device", p.device.Name),
		zap.String("address", p.device.Address),
		zap.Duration("interval", period),
		zap.Int("oids", len(p.oids)),
		zap.Int("walks", len(p.walks)))

	defer func() {
		if p.client != nil {
			_ = p.client.Close()
		}
	}()

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		p.PollOnce(h)
		next = next.Add(period)
		for !next.After(time.Now()) {
			next = next.Add(period)
		}
	}
}

// PollOnce performs a single poll cycle: every configured OID by GET,
// every walk root by iterated GETNEXT.
func (p *Poller) PollOnce(h *bridge.Handles) {
	start := time.Now()
	client, err := p.ensureClient()
	if err != nil {
		perr := classifyPollError(p.device.Name, err)
		h.Health.RecordFailure(p.device.Name, perr)
		h.Health.ReportError(perr)
		return
	}

	published := 0
	var firstErr *bridge.Error

	for _, oid := range p.oids {
		pdus, err := client.Get([]string{oid})
		if err != nil {
			perr := classifyPollError(p.device.Name, err)
			if firstErr == nil {
				firstErr = perr
			}
			h.Health.ReportError(perr)
			continue
		}
		for _, pdu := range pdus {
			if p.emit(h, pdu) {
				published++
			}
		}
	}

	for _, root := range p.walks {
		pdus, err := p.walk(client, root)
		for _, pdu := range pdus {
			if p.emit(h, pdu) {
				published++
			}
		}
		if err != nil {
			perr := classifyPollError(p.device.Name, err)
			if firstErr == nil {
				firstErr = perr
			}
			h.Health.ReportError(perr)
		}
	}

	elapsed := time.Since(start)
	if published > 0 {
		h.Health.RecordSuccess(p.device.Name, elapsed)
	} else {
		if firstErr == nil {
			firstErr = bridge.TimeoutError(p.device.Name, fmt.Errorf("no OIDs returned a value"))
		}
		h.Health.RecordFailure(p.device.Name, firstErr)
	}
}

func (p *Poller) ensureClient() (Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	client, err := p.factory(p.device)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// walk iterates GETNEXT from root and stops on lexicographic departure
// from the subtree, end of MIB view, or a non-advancing OID. Partial
// results are returned alongside any error.
func (p *Poller) walk(client Client, root string) ([]PDU, error) {
	var results []PDU
	current := root
	for {
		pdu, err := client.GetNext(current)
		if err != nil {
			return results, err
		}
		if pdu == nil {
			return results, nil
		}
		switch pdu.Type {
		case gosnmp.EndOfMibView, gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
			return results, nil
		}
		if !HasOIDPrefix(pdu.OID, root) {
			return results, nil
		}
		if CompareOIDs(pdu.OID, current) <= 0 {
			// Agent is not advancing; bail out instead of spinning.
			return results, nil
		}
		results = append(results, *pdu)
		current = pdu.OID
	}
}

// emit coerces and publishes one varbind. Returns false for null-ish
// values that carry no data.
func (p *Poller) emit(h *bridge.Handles, pdu PDU) bool {
	value, ok := p.coerce(pdu)
	if !ok {
		return false
	}
	res := p.mapper.Resolve(pdu.OID)
	point := model.NewPoint(p.device.Name, model.ProtocolSNMP, res.Metric, value).
		WithLabel("oid", pdu.OID)
	if res.Index != "" {
		point.WithLabel("index", res.Index)
	}
	if err := h.Publisher.Publish(point); err != nil {
		p.logger.Debug("publish failed",
			zap.String("device", p.device.Name),
			zap.String("oid", pdu.OID),
			zap.Error(err))
		return false
	}
	return true
}

// coerce maps SNMP syntax to the telemetry value model. Counter32/64 and
// TimeTicks are counters; INTEGER-family values are counters only when
// the MIB declares them so; octet strings become text when valid,
// printable UTF-8 and hex text otherwise; opaque payloads stay binary.
func (p *Poller) coerce(pdu PDU) (model.Value, bool) {
	switch pdu.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.TimeTicks:
		return model.Counter(gosnmp.ToBigInt(pdu.Value).Uint64()), true
	case gosnmp.Integer, gosnmp.Gauge32, gosnmp.Uinteger32:
		n := gosnmp.ToBigInt(pdu.Value)
		if p.mapper.IsCounter(pdu.OID) {
			return model.Counter(n.Uint64()), true
		}
		return model.Gauge(float64(n.Int64())), true
	case gosnmp.OctetString:
		b, ok := pdu.Value.([]byte)
		if !ok {
			if s, ok := pdu.Value.(string); ok {
				b = []byte(s)
			} else {
				return model.Value{}, false
			}
		}
		if utf8.Valid(b) && printable(b) {
			return model.Text(string(b)), true
		}
		return model.Text(hex.EncodeToString(b)), true
	case gosnmp.ObjectIdentifier:
		if s, ok := pdu.Value.(string); ok {
			return model.Text(stripDot(s)), true
		}
		return model.Value{}, false
	case gosnmp.IPAddress:
		if s, ok := pdu.Value.(string); ok {
			return model.Text(s), true
		}
		return model.Value{}, false
	case gosnmp.Opaque:
		if b, ok := pdu.Value.([]byte); ok {
			return model.Binary(b), true
		}
		return model.Value{}, false
	case gosnmp.OpaqueFloat:
		if f, ok := pdu.Value.(float32); ok {
			return model.Gauge(float64(f)), true
		}
		return model.Value{}, false
	case gosnmp.OpaqueDouble:
		if f, ok := pdu.Value.(float64); ok {
			return model.Gauge(f), true
		}
		return model.Value{}, false
	case gosnmp.Boolean:
		if b, ok := pdu.Value.(bool); ok {
			return model.Boolean(b), true
		}
		return model.Value{}, false
	}
	return model.Value{}, false
}

func printable(b []byte) bool {
	for _, r := range string(b) {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			return false
		}
	}
	return true
}

// classifyPollError maps client errors onto the bridge taxonomy:
// timeouts retryable, auth failures and malformed responses not. None of
// them stop the poller.
func classifyPollError(device string, err error) *bridge.Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "i/o timeout"):
		return bridge.TimeoutError(device, err)
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "auth") ||
		strings.Contains(msg, "usm") || strings.Contains(msg, "unknown user"):
		return bridge.AuthError(device, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route"):
		return bridge.TransportError(err)
	default:
		return bridge.ParseError(device, err)
	}
}
