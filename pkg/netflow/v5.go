package netflow

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	v5HeaderLen = 24
	v5RecordLen = 48
	v7HeaderLen = 24
	v7RecordLen = 52
)

// parseV5 parses a NetFlow v5 datagram into flow records. The layout is
// fixed, so no template state is involved.
func parseV5(data []byte, exporterIP, exporter string, ts int64) ([]*FlowRecord, error) {
	if len(data) < v5HeaderLen {
		return nil, fmt.Errorf("v5 datagram too short: %d bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data[2:4]))
	need := v5HeaderLen + count*v5RecordLen
	if len(data) < need {
		return nil, fmt.Errorf("v5 datagram truncated: %d records need %d bytes, got %d",
			count, need, len(data))
	}

	records := make([]*FlowRecord, 0, count)
	for i := 0; i < count; i++ {
		rec := data[v5HeaderLen+i*v5RecordLen:]
		r := newRecord(exporterIP, exporter, 5, ts)
		fillV5Common(r, rec)
		records = append(records, r)
	}
	return records, nil
}

// parseV7 parses a NetFlow v7 datagram. v7 is v5 plus a router source
// address per record.
func parseV7(data []byte, exporterIP, exporter string, ts int64) ([]*FlowRecord, error) {
	if len(data) < v7HeaderLen {
		return nil, fmt.Errorf("v7 datagram too short: %d bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data[2:4]))
	need := v7HeaderLen + count*v7RecordLen
	if len(data) < need {
		return nil, fmt.Errorf("v7 datagram truncated: %d records need %d bytes, got %d",
			count, need, len(data))
	}

	records := make([]*FlowRecord, 0, count)
	for i := 0; i < count; i++ {
		rec := data[v7HeaderLen+i*v7RecordLen:]
		r := newRecord(exporterIP, exporter, 7, ts)
		fillV5Common(r, rec)
		r.Str["router_src"] = net.IP(rec[48:52]).String()
		records = append(records, r)
	}
	return records, nil
}

// fillV5Common extracts the fields shared by the v5 and v7 record
// layouts.
func fillV5Common(r *FlowRecord, rec []byte) {
	r.Str["src_addr"] = net.IP(rec[0:4]).String()
	r.Str["dst_addr"] = net.IP(rec[4:8]).String()
	r.Str["next_hop"] = net.IP(rec[8:12]).String()
	r.Num["input_iface"] = uint64(binary.BigEndian.Uint16(rec[12:14]))
	r.Num["output_iface"] = uint64(binary.BigEndian.Uint16(rec[14:16]))
	r.Num["packets"] = uint64(binary.BigEndian.Uint32(rec[16:20]))
	r.Num["bytes"] = uint64(binary.BigEndian.Uint32(rec[20:24]))
	r.Num["first"] = uint64(binary.BigEndian.Uint32(rec[24:28]))
	r.Num["last"] = uint64(binary.BigEndian.Uint32(rec[28:32]))
	r.Num["src_port"] = uint64(binary.BigEndian.Uint16(rec[32:34]))
	r.Num["dst_port"] = uint64(binary.BigEndian.Uint16(rec[34:36]))
	r.Num["tcp_flags"] = uint64(rec[37])
	r.Num["protocol"] = uint64(rec[38])
	r.Num["tos"] = uint64(rec[39])
	r.Num["src_as"] = uint64(binary.BigEndian.Uint16(rec[40:42]))
	r.Num["dst_as"] = uint64(binary.BigEndian.Uint16(rec[42:44]))
	r.Num["src_mask"] = uint64(rec[44])
	r.Num["dst_mask"] = uint64(rec[45])
}
