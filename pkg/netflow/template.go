package netflow

import (
	"fmt"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	// maxTemplatesPerExporter caps the LRU per exporter.
	maxTemplatesPerExporter = 4096
	// maxPendingPerExporter bounds data sets buffered while their
	// template is unknown.
	maxPendingPerExporter = 16
)

type fieldSpec struct {
	id     uint16
	length uint16
}

type templateKey struct {
	sourceID   uint32
	templateID uint16
}

type template struct {
	fields   []fieldSpec
	recLen   int
	lastSeen time.Time
}

type pendingSet struct {
	key      templateKey
	data     []byte
	received time.Time
}

type exporterState struct {
	templates map[templateKey]*template
	pending   []pendingSet
}

// TemplateCache stores v9/IPFIX templates keyed by (exporter address,
// source-id/observation-domain, template-id) and buffers data sets that
// arrive before their template. The cache is owned by a single receiver
// task; no locking.
type TemplateCache struct {
	clock     Clock
	timeout   time.Duration
	exporters map[string]*exporterState
}

// NewTemplateCache builds the cache. timeout is the template lifetime
// (template_timeout_secs, default 1800s).
func NewTemplateCache(timeout time.Duration, clock Clock) *TemplateCache {
	if clock == nil {
		clock = realClock{}
	}
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	return &TemplateCache{
		clock:     clock,
		timeout:   timeout,
		exporters: make(map[string]*exporterState),
	}
}

func (c *TemplateCache) state(exporter string) *exporterState {
	st, ok := c.exporters[exporter]
	if !ok {
		st = &exporterState{templates: make(map[templateKey]*template)}
		c.exporters[exporter] = st
	}
	return st
}

// Store records a template and returns the buffered data sets now
// decodable with it.
func (c *TemplateCache) Store(exporter string, sourceID uint32, templateID uint16, fields []fieldSpec) [][]byte {
	st := c.state(exporter)
	key := templateKey{sourceID: sourceID, templateID: templateID}

	recLen := 0
	for _, f := range fields {
		recLen += int(f.length)
	}
	st.templates[key] = &template{fields: fields, recLen: recLen, lastSeen: c.clock.Now()}
	c.evict(st)

	// Release any data sets that were waiting for exactly this template.
	var ready [][]byte
	var keep []pendingSet
	for _, p := range st.pending {
		if p.key == key {
			ready = append(ready, p.data)
		} else {
			keep = append(keep, p)
		}
	}
	st.pending = keep
	return ready
}

// Lookup finds a template and refreshes its LRU position.
func (c *TemplateCache) Lookup(exporter string, sourceID uint32, templateID uint16) (*template, bool) {
	st, ok := c.exporters[exporter]
	if !ok {
		return nil, false
	}
	t, ok := st.templates[templateKey{sourceID: sourceID, templateID: templateID}]
	if !ok {
		return nil, false
	}
	t.lastSeen = c.clock.Now()
	return t, true
}

// Buffer holds a data set whose template is unknown. Returns an error
// when the pending bound forces a drop.
func (c *TemplateCache) Buffer(exporter string, sourceID uint32, templateID uint16, data []byte) error {
	st := c.state(exporter)
	buf := make([]byte, len(data))
	copy(buf, data)
	st.pending = append(st.pending, pendingSet{
		key:      templateKey{sourceID: sourceID, templateID: templateID},
		data:     buf,
		received: c.clock.Now(),
	})
	if len(st.pending) > maxPendingPerExporter {
		dropped := st.pending[0]
		st.pending = st.pending[1:]
		return fmt.Errorf("pending buffer full for exporter %s, dropped data set for template %d",
			exporter, dropped.key.templateID)
	}
	return nil
}

// Purge removes templates and pending sets older than the timeout. It
// runs on receipt of every datagram from the exporter (the on-receipt
// semantics, not a periodic sweep). Returns the number of pending sets
// that timed out, which the caller reports as parse errors.
func (c *TemplateCache) Purge(exporter string) int {
	st, ok := c.exporters[exporter]
	if !ok {
		return 0
	}
	cutoff := c.clock.Now().Add(-c.timeout)
	for key, t := range st.templates {
		if t.lastSeen.Before(cutoff) {
			delete(st.templates, key)
		}
	}
	expired := 0
	var keep []pendingSet
	for _, p := range st.pending {
		if p.received.Before(cutoff) {
			expired++
		} else {
			keep = append(keep, p)
		}
	}
	st.pending = keep
	return expired
}

// TemplateCount reports the cached template count for an exporter.
func (c *TemplateCache) TemplateCount(exporter string) int {
	if st, ok := c.exporters[exporter]; ok {
		return len(st.templates)
	}
	return 0
}

// evict enforces the per-exporter LRU bound.
func (c *TemplateCache) evict(st *exporterState) {
	for len(st.templates) > maxTemplatesPerExporter {
		var oldestKey templateKey
		var oldest time.Time
		first := true
		for key, t := range st.templates {
			if first || t.lastSeen.Before(oldest) {
				oldestKey, oldest = key, t.lastSeen
				first = false
			}
		}
		delete(st.templates, oldestKey)
	}
}
