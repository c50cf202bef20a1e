package netflow

import (
	"encoding/binary"
	"fmt"
)

const (
	v9HeaderLen    = 20
	ipfixHeaderLen = 16

	v9TemplateSetID        = 0
	v9OptionsTemplateSetID = 1
	ipfixTemplateSetID     = 2
	ipfixOptionsSetID      = 3
	minDataSetID           = 256
)

// parseTemplated parses a NetFlow v9 or IPFIX datagram using the
// template cache. Both versions share the FlowSet structure; only the
// header and the template set ids differ.
func parseTemplated(data []byte, version uint16, exporterIP, exporter string, ts int64, cache *TemplateCache) ([]*FlowRecord, []error) {
	var errs []error
	var records []*FlowRecord

	var sourceID uint32
	var offset int
	switch version {
	case 9:
		if len(data) < v9HeaderLen {
			return nil, []error{fmt.Errorf("v9 datagram too short: %d bytes", len(data))}
		}
		sourceID = binary.BigEndian.Uint32(data[16:20])
		offset = v9HeaderLen
	case 10:
		if len(data) < ipfixHeaderLen {
			return nil, []error{fmt.Errorf("ipfix datagram too short: %d bytes", len(data))}
		}
		sourceID = binary.BigEndian.Uint32(data[12:16])
		offset = ipfixHeaderLen
	default:
		return nil, []error{fmt.Errorf("unsupported templated version %d", version)}
	}

	for offset+4 <= len(data) {
		setID := binary.BigEndian.Uint16(data[offset : offset+2])
		setLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if setLen < 4 || offset+setLen > len(data) {
			errs = append(errs, fmt.Errorf("flowset %d has bad length %d", setID, setLen))
			break
		}
		body := data[offset+4 : offset+setLen]

		switch {
		case (version == 9 && setID == v9TemplateSetID) || (version == 10 && setID == ipfixTemplateSetID):
			released := parseTemplateSet(body, version, exporter, sourceID, cache, &errs)
			for _, pend := range released {
				recs, perrs := decodePending(pend, version, exporterIP, exporter, sourceID, ts, cache)
				records = append(records, recs...)
				errs = append(errs, perrs...)
			}
		case (version == 9 && setID == v9OptionsTemplateSetID) || (version == 10 && setID == ipfixOptionsSetID):
			// Options templates describe metadata records; they are
			// cached so their data sets decode, but the records are not
			// emitted as flows.
			parseOptionsTemplateSet(body, version, exporter, sourceID, cache)
		case setID >= minDataSetID:
			recs, derrs := decodeDataSet(body, setID, version, exporterIP, exporter, sourceID, ts, cache)
			records = append(records, recs...)
			errs = append(errs, derrs...)
		}
		offset += setLen
	}
	return records, errs
}

// releasedSet pairs a buffered data set with the template id that now
// decodes it.
type releasedSet struct {
	setID uint16
	data  []byte
}

// parseTemplateSet stores every template in a Template FlowSet and
// returns pending data sets released by the new templates.
func parseTemplateSet(body []byte, version uint16, exporter string, sourceID uint32, cache *TemplateCache, errs *[]error) []releasedSet {
	var released []releasedSet
	offset := 0
	for offset+4 <= len(body) {
		templateID := binary.BigEndian.Uint16(body[offset : offset+2])
		fieldCount := int(binary.BigEndian.Uint16(body[offset+2 : offset+4]))
		offset += 4

		fields := make([]fieldSpec, 0, fieldCount)
		ok := true
		for i := 0; i < fieldCount; i++ {
			if offset+4 > len(body) {
				*errs = append(*errs, fmt.Errorf("template %d truncated", templateID))
				ok = false
				break
			}
			id := binary.BigEndian.Uint16(body[offset : offset+2])
			length := binary.BigEndian.Uint16(body[offset+2 : offset+4])
			offset += 4
			// IPFIX enterprise-specific elements carry a 4-byte
			// enterprise number after the (id, length) pair.
			if version == 10 && id&0x8000 != 0 {
				if offset+4 > len(body) {
					*errs = append(*errs, fmt.Errorf("template %d truncated", templateID))
					ok = false
					break
				}
				id &= 0x7fff
				offset += 4
			}
			fields = append(fields, fieldSpec{id: id, length: length})
		}
		if !ok {
			break
		}
		for _, data := range cache.Store(exporter, sourceID, templateID, fields) {
			released = append(released, releasedSet{setID: templateID, data: data})
		}
	}
	return released
}

// parseOptionsTemplateSet caches options templates so their data sets
// can be skipped cleanly.
func parseOptionsTemplateSet(body []byte, version uint16, exporter string, sourceID uint32, cache *TemplateCache) {
	if len(body) < 6 {
		return
	}
	templateID := binary.BigEndian.Uint16(body[0:2])
	var scopeLen, optionLen int
	var offset int
	if version == 9 {
		scopeLen = int(binary.BigEndian.Uint16(body[2:4]))
		optionLen = int(binary.BigEndian.Uint16(body[4:6]))
		offset = 6
		_ = scopeLen
		_ = optionLen
	} else {
		// IPFIX: field count then scope field count.
		offset = 6
	}
	var fields []fieldSpec
	for offset+4 <= len(body) {
		id := binary.BigEndian.Uint16(body[offset : offset+2])
		length := binary.BigEndian.Uint16(body[offset+2 : offset+4])
		offset += 4
		if version == 10 && id&0x8000 != 0 {
			id &= 0x7fff
			offset += 4
		}
		fields = append(fields, fieldSpec{id: id, length: length})
	}
	cache.Store(exporter, sourceID, templateID, fields)
}

// decodeDataSet walks a Data FlowSet with its template. Unknown
// templates buffer the set for a retry after the next template arrival.
func decodeDataSet(body []byte, setID uint16, version uint16, exporterIP, exporter string, sourceID uint32, ts int64, cache *TemplateCache) ([]*FlowRecord, []error) {
	t, ok := cache.Lookup(exporter, sourceID, setID)
	if !ok {
		if err := cache.Buffer(exporter, sourceID, setID, body); err != nil {
			return nil, []error{err}
		}
		return nil, nil
	}
	return decodeWithTemplate(body, t, version, exporterIP, exporter, ts), nil
}

func decodePending(pend releasedSet, version uint16, exporterIP, exporter string, sourceID uint32, ts int64, cache *TemplateCache) ([]*FlowRecord, []error) {
	t, ok := cache.Lookup(exporter, sourceID, pend.setID)
	if !ok {
		return nil, []error{fmt.Errorf("released data set lost its template %d", pend.setID)}
	}
	return decodeWithTemplate(pend.data, t, version, exporterIP, exporter, ts), nil
}

// decodeWithTemplate extracts records by walking the template's
// (field-id, length) list. Trailing bytes shorter than one record are
// padding.
func decodeWithTemplate(body []byte, t *template, version uint16, exporterIP, exporter string, ts int64) []*FlowRecord {
	if t.recLen == 0 {
		return nil
	}
	var records []*FlowRecord
	offset := 0
	for offset+t.recLen <= len(body) {
		r := newRecord(exporterIP, exporter, version, ts)
		fieldOffset := offset
		for _, f := range t.fields {
			decodeField(r, f.id, body[fieldOffset:fieldOffset+int(f.length)])
			fieldOffset += int(f.length)
		}
		records = append(records, r)
		offset += t.recLen
	}
	return records
}
