package snmp

import "strings"

// IndexPlaceholder marks where a walk's index tail lands in a mapped
// metric name.
const IndexPlaceholder = "{index}"

// Mapper projects dotted OIDs onto human-readable metric names. Lookup
// order: the device's inline oid_names, the bridge-wide oid_names, then
// the MIB table. For walked OIDs the index tail (the suffix beyond the
// named root) replaces the {index} placeholder; the raw tail always
// travels as the "index" label.
type Mapper struct {
	device map[string]string
	global map[string]string
	mib    *MIB
}

// NewMapper builds the projection for one device.
func NewMapper(deviceNames, globalNames map[string]string, mib *MIB) *Mapper {
	if mib == nil {
		mib = NewMIB()
	}
	return &Mapper{device: deviceNames, global: globalNames, mib: mib}
}

// Resolved is the outcome of an OID projection.
type Resolved struct {
	// Metric is the projected metric path. Unmapped OIDs keep the raw
	// dotted OID as the metric name.
	Metric string
	// Index is the raw index tail for walked table entries, "" for
	// scalar matches.
	Index string
	// Mapped is false when no name table knew the OID.
	Mapped bool
}

// Resolve projects an OID.
func (m *Mapper) Resolve(oid string) Resolved {
	// Exact matches first.
	for _, table := range []map[string]string{m.device, m.global} {
		if name, ok := table[oid]; ok {
			return Resolved{Metric: name, Mapped: true}
		}
	}
	if name, ok := m.mib.Lookup(oid); ok {
		return Resolved{Metric: name, Mapped: true}
	}

	// Prefix matches: the remainder is the table index.
	if root, name, ok := m.longestPrefix(oid); ok {
		tail := OIDTail(oid, root)
		return Resolved{Metric: expandIndex(name, tail), Index: tail, Mapped: true}
	}
	return Resolved{Metric: oid}
}

// IsCounter reports counter semantics for integer coercion.
func (m *Mapper) IsCounter(oid string) bool {
	return m.mib.IsCounter(oid)
}

func (m *Mapper) longestPrefix(oid string) (root, name string, ok bool) {
	for _, table := range []map[string]string{m.device, m.global} {
		for r, n := range table {
			if HasOIDPrefix(oid, r) && len(r) > len(root) {
				root, name, ok = r, n, true
			}
		}
	}
	if r, n, found := m.mib.LongestPrefix(oid); found && len(r) > len(root) {
		root, name, ok = r, n, true
	}
	return root, name, ok
}

// expandIndex substitutes the index tail into the {index} placeholder.
// Multi-level tails become nested path segments; a name without the
// placeholder gets the tail appended so two table rows never collide.
func expandIndex(name, tail string) string {
	segTail := strings.ReplaceAll(tail, ".", "/")
	if strings.Contains(name, IndexPlaceholder) {
		return strings.ReplaceAll(name, IndexPlaceholder, segTail)
	}
	if segTail == "" {
		return name
	}
	return name + "/" + segTail
}
