// Package resourcemon samples battery, memory, network reachability, and
// user idleness and classifies the machine as Optimal, Constrained, or
// Critical (spec.md §4.1). It is pure with respect to its probe inputs:
// it never blocks or suspends.
package resourcemon

import "log/slog"

// Level is the machine's resource classification.
type Level int

const (
	Optimal Level = iota
	Constrained
	Critical
)

func (l Level) String() string {
	switch l {
	case Optimal:
		return "optimal"
	case Constrained:
		return "constrained"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// NetworkClass describes the reachability/quality of the network link.
type NetworkClass int

const (
	NetworkUnknown NetworkClass = iota
	NetworkOffline
	Network2G
	NetworkGood
)

// BatteryProbe reports battery state. Implementations backed by a real
// OS are supplied by the embedding application; ResourceMonitor only
// depends on this interface.
type BatteryProbe interface {
	// Sample returns the battery percentage in [0,100] and whether the
	// device is currently discharging. ok is false when the probe is
	// unavailable (e.g. a desktop with no battery).
	Sample() (percent int, discharging bool, ok bool)
}

// MemoryProbe reports memory pressure.
type MemoryProbe interface {
	// Sample returns memory utilization as a percentage in [0,100].
	// ok is false when the probe is unavailable.
	Sample() (percentUsed int, ok bool)
}

// NetworkProbe reports network reachability/quality.
type NetworkProbe interface {
	// Sample returns the current network class. ok is false when the
	// probe is unavailable.
	Sample() (class NetworkClass, ok bool)
}

// IdleProbe reports how long the user has been idle.
type IdleProbe interface {
	// Sample returns idle seconds. ok is false when the probe is
	// unavailable.
	Sample() (idleSeconds int, ok bool)
}

// Policy enumerates the recognized resource-check options a caller can
// require of can_perform. Only the fields set true are checked.
type Policy struct {
	RequireOptimal    bool
	AllowConstrained  bool
	CheckBattery      bool
	CheckNetwork      bool
	CheckPerformance  bool
}

// BackupPolicy is the default policy used by the main scheduler scan:
// all checks enabled, Constrained allowed but not Critical.
var BackupPolicy = Policy{
	AllowConstrained: true,
	CheckBattery:     true,
	CheckNetwork:     true,
	CheckPerformance: true,
}

// RetryPolicy is used by the due-for-retry scan (spec.md §4.5): battery
// is not checked, since a pending retry should not be starved by a low
// battery that the user may be actively charging.
var RetryPolicy = Policy{
	AllowConstrained: true,
	CheckBattery:     false,
	CheckNetwork:     true,
	CheckPerformance: true,
}

// SystemState is the result of a sample: a level classification plus the
// reasons that produced it and raw probe detail for logging/diagnostics.
type SystemState struct {
	Level   Level
	Reasons []string
	Detail  map[string]any

	// categoryLevel tracks the level contributed by each checkable
	// category (battery, memory, network) so CanPerform can recompute
	// an effective level when a Policy opts a category out.
	categoryLevel map[string]Level
}

// Decision is the outcome of can_perform.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  map[string]any
}

const (
	batteryCriticalPercent   = 15
	batteryConstrainedPct    = 30
	memoryCriticalPercent    = 90
	memoryConstrainedPercent = 80
)

// Monitor samples system resources through pluggable probes.
type Monitor struct {
	Battery BatteryProbe
	Memory  MemoryProbe
	Network NetworkProbe
	Idle    IdleProbe
}

// New creates a Monitor from the given probes. Any probe may be nil, in
// which case that resource is always treated as Optimal (fail-open per
// probe, per spec.md §4.1).
func New(battery BatteryProbe, memory MemoryProbe, network NetworkProbe, idle IdleProbe) *Monitor {
	return &Monitor{Battery: battery, Memory: memory, Network: network, Idle: idle}
}

// Sample classifies current system state deterministically from
// threshold rules in spec.md §4.1.
func (m *Monitor) Sample() SystemState {
	detail := make(map[string]any)
	var reasons []string
	level := Optimal
	categoryLevel := map[string]Level{"battery": Optimal, "memory": Optimal, "network": Optimal}

	if m.Battery != nil {
		if percent, discharging, ok := m.Battery.Sample(); ok {
			detail["battery_percent"] = percent
			detail["battery_discharging"] = discharging
			switch {
			case discharging && percent < batteryCriticalPercent:
				categoryLevel["battery"] = Critical
				reasons = append(reasons, "battery_critical")
			case discharging && percent < batteryConstrainedPct:
				categoryLevel["battery"] = Constrained
				reasons = append(reasons, "battery_low")
			}
		}
	}

	if m.Memory != nil {
		if used, ok := m.Memory.Sample(); ok {
			detail["memory_percent"] = used
			switch {
			case used >= memoryCriticalPercent:
				categoryLevel["memory"] = Critical
				reasons = append(reasons, "memory_critical")
			case used >= memoryConstrainedPercent:
				categoryLevel["memory"] = Constrained
				reasons = append(reasons, "memory_pressure")
			}
		}
	}

	if m.Network != nil {
		if class, ok := m.Network.Sample(); ok {
			detail["network_class"] = class
			switch class {
			case NetworkOffline:
				categoryLevel["network"] = Critical
				reasons = append(reasons, "network_offline")
			case Network2G:
				categoryLevel["network"] = Constrained
				reasons = append(reasons, "network_2g")
			}
		}
	}

	if m.Idle != nil {
		if idleSeconds, ok := m.Idle.Sample(); ok {
			detail["idle_seconds"] = idleSeconds
		}
	}

	for _, l := range categoryLevel {
		if l > level {
			level = l
		}
	}

	return SystemState{Level: level, Reasons: reasons, Detail: detail, categoryLevel: categoryLevel}
}

// CanPerform evaluates policy against a freshly sampled state. Categories
// the policy opts out of checking (e.g. CheckBattery=false) never
// contribute to the decision. Work is never allowed when the effective
// level is Critical, regardless of policy.
func (m *Monitor) CanPerform(policy Policy) Decision {
	state := m.Sample()

	effective := Optimal
	var reasons []string
	consider := func(category string, enabled bool) {
		if !enabled {
			return
		}
		if l := state.categoryLevel[category]; l > effective {
			effective = l
		}
		if state.categoryLevel[category] > Optimal {
			reasons = append(reasons, category)
		}
	}
	consider("battery", policy.CheckBattery)
	consider("network", policy.CheckNetwork)
	consider("memory", policy.CheckPerformance)

	if effective == Critical {
		slog.Debug("resource check denied",
			"component", "resourcemon",
			"level", effective.String(),
			"reasons", reasons,
		)
		return Decision{Allowed: false, Reason: "critical:" + firstReason(reasons), Detail: state.Detail}
	}

	if effective == Constrained {
		if policy.RequireOptimal || !policy.AllowConstrained {
			return Decision{Allowed: false, Reason: "constrained:" + firstReason(reasons), Detail: state.Detail}
		}
	}

	return Decision{Allowed: true, Detail: state.Detail}
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return "unspecified"
	}
	return reasons[0]
}
