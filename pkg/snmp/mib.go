package snmp

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MIB is the loaded OID name table. It resolves dotted OIDs to metric
// paths and records which OIDs carry Counter32/Counter64 semantics so
// integer varbinds coerce correctly.
//
// Name files hold one mapping per line:
//
//	1.3.6.1.2.1.2.2.1.10  if/{index}/ifInOctets  counter
//
// Lines starting with # are comments. The third column, when present and
// equal to "counter", marks the OID (and its subtree) as a counter.
type MIB struct {
	names    map[string]string
	counters map[string]bool
}

// NewMIB starts from the built-in SNMPv2-MIB and IF-MIB core so a bridge
// without mib_dirs still produces readable names for the usual suspects.
func NewMIB() *MIB {
	m := &MIB{
		names:    make(map[string]string),
		counters: make(map[string]bool),
	}
	for oid, name := range builtinNames {
		m.names[oid] = name
	}
	for oid := range builtinCounters {
		m.counters[oid] = true
	}
	return m
}

var builtinNames = map[string]string{
	"1.3.6.1.2.1.1.1.0": "system/sysDescr",
	"1.3.6.1.2.1.1.2.0": "system/sysObjectID",
	"1.3.6.1.2.1.1.3.0": "system/sysUpTime",
	"1.3.6.1.2.1.1.4.0": "system/sysContact",
	"1.3.6.1.2.1.1.5.0": "system/sysName",
	"1.3.6.1.2.1.1.6.0": "system/sysLocation",

	"1.3.6.1.2.1.2.1.0":       "if/ifNumber",
	"1.3.6.1.2.1.2.2.1.1":     "if/{index}/ifIndex",
	"1.3.6.1.2.1.2.2.1.2":     "if/{index}/ifDescr",
	"1.3.6.1.2.1.2.2.1.3":     "if/{index}/ifType",
	"1.3.6.1.2.1.2.2.1.5":     "if/{index}/ifSpeed",
	"1.3.6.1.2.1.2.2.1.7":     "if/{index}/ifAdminStatus",
	"1.3.6.1.2.1.2.2.1.8":     "if/{index}/ifOperStatus",
	"1.3.6.1.2.1.2.2.1.10":    "if/{index}/ifInOctets",
	"1.3.6.1.2.1.2.2.1.11":    "if/{index}/ifInUcastPkts",
	"1.3.6.1.2.1.2.2.1.14":    "if/{index}/ifInErrors",
	"1.3.6.1.2.1.2.2.1.16":    "if/{index}/ifOutOctets",
	"1.3.6.1.2.1.2.2.1.17":    "if/{index}/ifOutUcastPkts",
	"1.3.6.1.2.1.2.2.1.20":    "if/{index}/ifOutErrors",
	"1.3.6.1.2.1.31.1.1.1.1":  "if/{index}/ifName",
	"1.3.6.1.2.1.31.1.1.1.6":  "if/{index}/ifHCInOctets",
	"1.3.6.1.2.1.31.1.1.1.10": "if/{index}/ifHCOutOctets",
}

var builtinCounters = map[string]bool{
	"1.3.6.1.2.1.2.2.1.10":    true,
	"1.3.6.1.2.1.2.2.1.11":    true,
	"1.3.6.1.2.1.2.2.1.14":    true,
	"1.3.6.1.2.1.2.2.1.16":    true,
	"1.3.6.1.2.1.2.2.1.17":    true,
	"1.3.6.1.2.1.2.2.1.20":    true,
	"1.3.6.1.2.1.31.1.1.1.6":  true,
	"1.3.6.1.2.1.31.1.1.1.10": true,
}

// LoadDir merges every name file in a directory into the table.
func (m *MIB) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("mib dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := m.loadFile(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (m *MIB) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mib file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return fmt.Errorf("mib file %s:%d: want \"<oid> <name> [counter]\"", path, line)
		}
		oid := strings.TrimPrefix(fields[0], ".")
		m.names[oid] = fields[1]
		if len(fields) > 2 && fields[2] == "counter" {
			m.counters[oid] = true
		}
	}
	return scanner.Err()
}

// Lookup returns the exact name mapping for an OID.
func (m *MIB) Lookup(oid string) (string, bool) {
	name, ok := m.names[oid]
	return name, ok
}

// LongestPrefix finds the longest named OID that oid descends from.
func (m *MIB) LongestPrefix(oid string) (root, name string, ok bool) {
	for r, n := range m.names {
		if HasOIDPrefix(oid, r) && len(r) > len(root) {
			root, name, ok = r, n, true
		}
	}
	return root, name, ok
}

// IsCounter reports whether the OID (or a named ancestor) is declared as
// a counter.
func (m *MIB) IsCounter(oid string) bool {
	if m.counters[oid] {
		return true
	}
	for r := range m.counters {
		if HasOIDPrefix(oid, r) {
			return true
		}
	}
	return false
}
