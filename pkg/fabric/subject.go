package fabric

import "strings"

// Key expressions use '/' as the segment separator and may contain '.'
// inside segments (IP addresses, dotted OIDs). NATS subjects use '.' as
// the separator, so segment-internal dots are escaped to '~' on the way
// out and restored on the way in. The segment grammar does not forbid
// '~', so a '~' inside a key segment comes back from SubjectToKey as '.'.

// KeyToSubject converts a key expression or pattern to a NATS subject.
func KeyToSubject(key string) string {
	segs := strings.Split(key, "/")
	out := make([]string, len(segs))
	for i, s := range segs {
		switch s {
		case "**":
			out[i] = ">"
		case "*":
			out[i] = "*"
		default:
			out[i] = strings.ReplaceAll(s, ".", "~")
		}
	}
	return strings.Join(out, ".")
}

// SubjectToKey converts a NATS subject back to a key expression.
func SubjectToKey(subject string) string {
	segs := strings.Split(subject, ".")
	out := make([]string, len(segs))
	for i, s := range segs {
		switch s {
		case ">":
			out[i] = "**"
		case "*":
			out[i] = "*"
		default:
			out[i] = strings.ReplaceAll(s, "~", ".")
		}
	}
	return strings.Join(out, "/")
}
