// Package snmp implements the SNMP ingest engine: one drift-free poller
// per configured device issuing GETs and WALKs, MIB-driven OID-to-metric
// projection, and a trap listener. v1/v2c use community strings; v3 uses
// USM with the auth and privacy protocols from the device security
// config. Engine-ID discovery and key localization are handled by the
// SNMP client and cached for the life of the process because the client
// connection is kept per device.
package snmp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// SecurityConfig is the SNMPv3 USM credential set.
type SecurityConfig struct {
	Username     string `mapstructure:"username"`
	AuthProtocol string `mapstructure:"auth_proto"` // md5|sha|sha256
	AuthPassword string `mapstructure:"auth_pass"`
	PrivProtocol string `mapstructure:"priv_proto"` // des|aes|aes256
	PrivPassword string `mapstructure:"priv_pass"`
}

// DeviceConfig describes one polled device.
type DeviceConfig struct {
	Name             string            `mapstructure:"name"`
	Address          string            `mapstructure:"address"`
	Version          string            `mapstructure:"version"` // v1|v2c|v3
	Community        string            `mapstructure:"community"`
	Security         *SecurityConfig   `mapstructure:"security"`
	PollIntervalSecs int               `mapstructure:"poll_interval_secs"`
	OIDs             []string          `mapstructure:"oids"`
	Walks            []string          `mapstructure:"walks"`
	OIDGroup         string            `mapstructure:"oid_group"`
	OIDNames         map[string]string `mapstructure:"oid_names"`
	TimeoutSecs      int               `mapstructure:"timeout_secs"`
}

// Host returns the address without the port.
func (d *DeviceConfig) Host() string {
	if host, _, err := net.SplitHostPort(d.Address); err == nil {
		return host
	}
	return d.Address
}

// PDU is one variable binding returned by the device.
type PDU struct {
	OID   string // dotted, without a leading dot
	Type  gosnmp.Asn1BER
	Value interface{}
}

// Client is the minimal SNMP operation set the poller needs. The gosnmp
// implementation below is swapped for a table-backed mock in tests.
type Client interface {
	Get(oids []string) ([]PDU, error)
	GetNext(oid string) (*PDU, error)
	Close() error
}

// ClientFactory builds a client for a device. Injected so tests run
// against a fake agent.
type ClientFactory func(DeviceConfig) (Client, error)

type gosnmpClient struct {
	g *gosnmp.GoSNMP
}

// NewClient dials a device with gosnmp. The connection persists for the
// process lifetime so the SNMPv3 engine ID is discovered once.
func NewClient(dev DeviceConfig) (Client, error) {
	host := dev.Host()
	port := uint16(161)
	if _, p, err := net.SplitHostPort(dev.Address); err == nil {
		var parsed int
		if _, err := fmt.Sscanf(p, "%d", &parsed); err == nil && parsed > 0 && parsed < 65536 {
			port = uint16(parsed)
		}
	}

	timeout := time.Duration(dev.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Transport: "udp",
		Timeout:   timeout,
		Retries:   1,
		MaxOids:   gosnmp.MaxOids,
	}

	switch dev.Version {
	case "v1":
		g.Version = gosnmp.Version1
		g.Community = dev.Community
	case "", "v2c":
		g.Version = gosnmp.Version2c
		g.Community = dev.Community
	case "v3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		if dev.Security == nil {
			return nil, fmt.Errorf("device %s: v3 requires a security section", dev.Name)
		}
		usm, flags, err := buildUSM(dev.Security)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Name, err)
		}
		g.SecurityParameters = usm
		g.MsgFlags = flags
	default:
		return nil, fmt.Errorf("device %s: unknown SNMP version %q", dev.Name, dev.Version)
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("device %s: connect: %w", dev.Name, err)
	}
	return &gosnmpClient{g: g}, nil
}

func buildUSM(sec *SecurityConfig) (*gosnmp.UsmSecurityParameters, gosnmp.SnmpV3MsgFlags, error) {
	usm := &gosnmp.UsmSecurityParameters{UserName: sec.Username}
	flags := gosnmp.NoAuthNoPriv

	switch strings.ToLower(sec.AuthProtocol) {
	case "":
		usm.AuthenticationProtocol = gosnmp.NoAuth
	case "md5":
		usm.AuthenticationProtocol = gosnmp.MD5
	case "sha":
		usm.AuthenticationProtocol = gosnmp.SHA
	case "sha256":
		usm.AuthenticationProtocol = gosnmp.SHA256
	default:
		return nil, flags, fmt.Errorf("unknown auth protocol %q", sec.AuthProtocol)
	}
	if usm.AuthenticationProtocol != gosnmp.NoAuth {
		usm.AuthenticationPassphrase = sec.AuthPassword
		flags = gosnmp.AuthNoPriv
	}

	switch strings.ToLower(sec.PrivProtocol) {
	case "":
		usm.PrivacyProtocol = gosnmp.NoPriv
	case "des":
		usm.PrivacyProtocol = gosnmp.DES
	case "aes":
		usm.PrivacyProtocol = gosnmp.AES
	case "aes256":
		usm.PrivacyProtocol = gosnmp.AES256
	default:
		return nil, flags, fmt.Errorf("unknown privacy protocol %q", sec.PrivProtocol)
	}
	if usm.PrivacyProtocol != gosnmp.NoPriv {
		if flags != gosnmp.AuthNoPriv {
			return nil, flags, fmt.Errorf("privacy requires an auth protocol")
		}
		usm.PrivacyPassphrase = sec.PrivPassword
		flags = gosnmp.AuthPriv
	}
	return usm, flags, nil
}

func (c *gosnmpClient) Get(oids []string) ([]PDU, error) {
	normalized := make([]string, len(oids))
	for i, o := range oids {
		normalized[i] = ensureDot(o)
	}
	pkt, err := c.g.Get(normalized)
	if err != nil {
		return nil, err
	}
	out := make([]PDU, 0, len(pkt.Variables))
	for _, v := range pkt.Variables {
		out = append(out, PDU{OID: stripDot(v.Name), Type: v.Type, Value: v.Value})
	}
	return out, nil
}

func (c *gosnmpClient) GetNext(oid string) (*PDU, error) {
	pkt, err := c.g.GetNext([]string{ensureDot(oid)})
	if err != nil {
		return nil, err
	}
	if len(pkt.Variables) == 0 {
		return nil, nil
	}
	v := pkt.Variables[0]
	return &PDU{OID: stripDot(v.Name), Type: v.Type, Value: v.Value}, nil
}

func (c *gosnmpClient) Close() error {
	if c.g.Conn != nil {
		return c.g.Conn.Close()
	}
	return nil
}

func ensureDot(oid string) string {
	if strings.HasPrefix(oid, ".") {
		return oid
	}
	return "." + oid
}

func stripDot(oid string) string {
	return strings.TrimPrefix(oid, ".")
}
