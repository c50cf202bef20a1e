package promexport

import (
	"sort"
	"strconv"
	"strings"
)

// Render produces the text exposition: one # TYPE line per series
// family, sample lines sorted by (metric name, label fingerprint). Two
// renders of the same aggregator state are byte-identical.
func (a *Aggregator) Render() string {
	a.mu.RLock()
	snapshot := make([]*series, 0, len(a.series))
	for _, s := range a.series {
		snapshot = append(snapshot, s)
	}
	a.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].name != snapshot[j].name {
			return snapshot[i].name < snapshot[j].name
		}
		return fingerprint(snapshot[i].labels) < fingerprint(snapshot[j].labels)
	})

	var b strings.Builder
	lastName := ""
	for _, s := range snapshot {
		if s.name != lastName {
			b.WriteString("# TYPE ")
			b.WriteString(s.name)
			b.WriteByte(' ')
			b.WriteString(s.kind.String())
			b.WriteByte('\n')
			lastName = s.name
		}
		b.WriteString(s.name)
		writeLabels(&b, s)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(s.value, 'g', -1, 64))
		b.WriteByte('\n')
	}
	return b.String()
}

func writeLabels(b *strings.Builder, s *series) {
	labels := s.labels
	if s.kind == SeriesInfo {
		// Info metrics carry the text as a value label.
		labels = append(append([]labelPair{}, labels...), labelPair{key: "value", value: s.text})
		sort.Slice(labels, func(i, j int) bool { return labels[i].key < labels[j].key })
	}
	if len(labels) == 0 {
		return
	}
	b.WriteByte('{')
	for i, l := range labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.key)
		b.WriteString(`="`)
		b.WriteString(EscapeLabelValue(l.value))
		b.WriteByte('"')
	}
	b.WriteByte('}')
}
