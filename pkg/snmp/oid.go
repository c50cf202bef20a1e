package snmp

import (
	"strconv"
	"strings"
)

// HasOIDPrefix reports whether oid is root itself or lexicographically
// descends from it on a sub-identifier boundary. A walk terminates as
// soon as this turns false.
func HasOIDPrefix(oid, root string) bool {
	if oid == root {
		return true
	}
	return strings.HasPrefix(oid, root+".")
}

// OIDTail returns the index suffix of oid beyond root, without the
// leading dot, or "" when oid does not descend from root.
func OIDTail(oid, root string) string {
	if !strings.HasPrefix(oid, root+".") {
		return ""
	}
	return oid[len(root)+1:]
}

// CompareOIDs orders two dotted OIDs numerically sub-identifier by
// sub-identifier. Returns -1, 0 or 1.
func CompareOIDs(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, _ := strconv.ParseUint(as[i], 10, 64)
		bi, _ := strconv.ParseUint(bs[i], 10, 64)
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
