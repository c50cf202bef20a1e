package frontend

import (
	"fmt"
	"path"

	"github.com/p13marc/zensight/pkg/model"
)

// Severity ranks an alert rule.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWarning  Severity = "Warning"
	SeverityInfo     Severity = "Info"
)

// Operator compares a sample against the rule threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Rule is one user-configured alert rule. Metric and Source are glob
// patterns; an empty Source matches everything.
type Rule struct {
	Name      string   `json:"name"`
	Metric    string   `json:"metric"`
	Source    string   `json:"source,omitempty"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Severity  Severity `json:"severity"`
}

// Validate rejects malformed rules at load time.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("alert rule without a name")
	}
	if r.Metric == "" {
		return fmt.Errorf("alert rule %s: empty metric pattern", r.Name)
	}
	switch r.Operator {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
	default:
		return fmt.Errorf("alert rule %s: unknown operator %q", r.Name, r.Operator)
	}
	switch r.Severity {
	case SeverityCritical, SeverityWarning, SeverityInfo:
	default:
		return fmt.Errorf("alert rule %s: unknown severity %q", r.Name, r.Severity)
	}
	return nil
}

func (r *Rule) matches(point *model.TelemetryPoint) bool {
	if ok, err := path.Match(r.Metric, point.Metric); err != nil || !ok {
		return false
	}
	if r.Source != "" {
		if ok, err := path.Match(r.Source, point.Source); err != nil || !ok {
			return false
		}
	}
	return true
}

func (r *Rule) breached(v float64) bool {
	switch r.Operator {
	case OpGreater:
		return v > r.Threshold
	case OpGreaterEqual:
		return v >= r.Threshold
	case OpLess:
		return v < r.Threshold
	case OpLessEqual:
		return v <= r.Threshold
	case OpEqual:
		return v == r.Threshold
	case OpNotEqual:
		return v != r.Threshold
	}
	return false
}

// Alert is a firing or resolved rule instance, keyed by rule, source and
// metric.
type Alert struct {
	Rule     string   `json:"rule"`
	Source   string   `json:"source"`
	Metric   string   `json:"metric"`
	Severity Severity `json:"severity"`
	Value    float64  `json:"value"`
	FiredAt  int64    `json:"fired_at"`
}

// AlertEngine evaluates rules over the point stream and tracks
// firing/resolved transitions.
type AlertEngine struct {
	rules  []Rule
	active map[string]*Alert
}

// NewAlertEngine builds the engine. Invalid rules are rejected.
func NewAlertEngine(rules []Rule) (*AlertEngine, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &AlertEngine{rules: rules, active: make(map[string]*Alert)}, nil
}

// Transition describes one alert state change.
type Transition struct {
	Alert    Alert
	Resolved bool
}

// Eval folds one point through every matching rule and returns the
// transitions it caused.
func (e *AlertEngine) Eval(point *model.TelemetryPoint) []Transition {
	v, numeric := point.Value.AsFloat()
	if !numeric {
		return nil
	}
	var out []Transition
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.matches(point) {
			continue
		}
		key := rule.Name + "\xff" + point.Source + "\xff" + point.Metric
		breached := rule.breached(v)
		existing, firing := e.active[key]
		switch {
		case breached && !firing:
			alert := &Alert{
				Rule:     rule.Name,
				Source:   point.Source,
				Metric:   point.Metric,
				Severity: rule.Severity,
				Value:    v,
				FiredAt:  point.Timestamp,
			}
			e.active[key] = alert
			out = append(out, Transition{Alert: *alert})
		case breached && firing:
			existing.Value = v
		case !breached && firing:
			delete(e.active, key)
			resolved := *existing
			resolved.Value = v
			out = append(out, Transition{Alert: resolved, Resolved: true})
		}
	}
	return out
}

// Active returns the currently firing alerts.
func (e *AlertEngine) Active() []Alert {
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}
