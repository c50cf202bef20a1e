package netflow

import (
	"encoding/hex"
	"net"
	"strconv"
)

// fieldInfo describes an IANA flow information element we decode with
// specific semantics. Anything absent from the table falls back to a
// big-endian number (≤8 bytes) or hex text.
type fieldInfo struct {
	name string
	kind fieldKind
}

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindIPv4
	kindIPv6
	kindMAC
	kindString
)

// iana holds the IANA-registered field semantics used by v9 and IPFIX.
var iana = map[uint16]fieldInfo{
	1:   {"bytes", kindNumber},
	2:   {"packets", kindNumber},
	3:   {"flows", kindNumber},
	4:   {"protocol", kindNumber},
	5:   {"tos", kindNumber},
	6:   {"tcp_flags", kindNumber},
	7:   {"src_port", kindNumber},
	8:   {"src_addr", kindIPv4},
	9:   {"src_mask", kindNumber},
	10:  {"input_iface", kindNumber},
	11:  {"dst_port", kindNumber},
	12:  {"dst_addr", kindIPv4},
	13:  {"dst_mask", kindNumber},
	14:  {"output_iface", kindNumber},
	15:  {"next_hop", kindIPv4},
	16:  {"src_as", kindNumber},
	17:  {"dst_as", kindNumber},
	21:  {"last", kindNumber},
	22:  {"first", kindNumber},
	23:  {"out_bytes", kindNumber},
	24:  {"out_packets", kindNumber},
	27:  {"src_addr", kindIPv6},
	28:  {"dst_addr", kindIPv6},
	29:  {"src_mask", kindNumber},
	30:  {"dst_mask", kindNumber},
	32:  {"icmp_type", kindNumber},
	48:  {"sampler_id", kindNumber},
	56:  {"src_mac", kindMAC},
	57:  {"dst_mac", kindMAC},
	61:  {"direction", kindNumber},
	62:  {"next_hop", kindIPv6},
	136: {"flow_end_reason", kindNumber},
	148: {"flow_id", kindNumber},
	150: {"flow_start_secs", kindNumber},
	151: {"flow_end_secs", kindNumber},
	152: {"first", kindNumber},
	153: {"last", kindNumber},
}

// decodeField extracts one field value into the record using the IANA
// semantics for its id.
func decodeField(r *FlowRecord, id uint16, data []byte) {
	info, known := iana[id]
	if !known {
		name := "field_" + strconv.FormatUint(uint64(id), 10)
		if len(data) <= 8 {
			r.Num[name] = beUint(data)
		} else {
			r.Str[name] = hex.EncodeToString(data)
		}
		return
	}
	switch info.kind {
	case kindIPv4:
		if len(data) == 4 {
			r.Str[info.name] = net.IP(data).String()
		}
	case kindIPv6:
		if len(data) == 16 {
			r.Str[info.name] = net.IP(data).String()
		}
	case kindMAC:
		if len(data) == 6 {
			r.Str[info.name] = net.HardwareAddr(data).String()
		}
	case kindString:
		r.Str[info.name] = string(data)
	default:
		if len(data) <= 8 {
			r.Num[info.name] = beUint(data)
		} else {
			r.Str[info.name] = hex.EncodeToString(data)
		}
	}
}

// beUint folds up to 8 big-endian bytes into a uint64.
func beUint(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}
