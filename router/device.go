package router

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ThermalState is the coarse thermal pressure reported by the host.
type ThermalState int

const (
	ThermalUnknown ThermalState = iota
	ThermalNominal
	ThermalFair
	ThermalSerious
	ThermalCritical
)

var thermalNames = map[ThermalState]string{
	ThermalUnknown:  "unknown",
	ThermalNominal:  "nominal",
	ThermalFair:     "fair",
	ThermalSerious:  "serious",
	ThermalCritical: "critical",
}

func (t ThermalState) String() string {
	if name, ok := thermalNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ThermalState(%d)", int(t))
}

// ParseThermalState parses a thermal state name.
func ParseThermalState(s string) (ThermalState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ThermalUnknown, nil
	}
	for state, name := range thermalNames {
		if name == s {
			return state, nil
		}
	}
	return ThermalUnknown, fmt.Errorf("unknown thermal state %q", s)
}

// UnmarshalYAML decodes a thermal state from its name.
func (t *ThermalState) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseThermalState(value.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// NetworkClass is the coarse quality of the host's network link.
type NetworkClass int

const (
	NetworkUnknown NetworkClass = iota
	NetworkOffline
	NetworkConstrained
	NetworkBroadband
)

var networkNames = map[NetworkClass]string{
	NetworkUnknown:     "unknown",
	NetworkOffline:     "offline",
	NetworkConstrained: "constrained",
	NetworkBroadband:   "broadband",
}

func (n NetworkClass) String() string {
	if name, ok := networkNames[n]; ok {
		return name
	}
	return fmt.Sprintf("NetworkClass(%d)", int(n))
}

// ParseNetworkClass parses a network class name.
func ParseNetworkClass(s string) (NetworkClass, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return NetworkUnknown, nil
	}
	for class, name := range networkNames {
		if name == s {
			return class, nil
		}
	}
	return NetworkUnknown, fmt.Errorf("unknown network class %q", s)
}

// UnmarshalYAML decodes a network class from its name.
func (n *NetworkClass) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseNetworkClass(value.Value)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// DeviceProfile is a read-only snapshot of host conditions.
// Every numeric field has a Known flag; unreadable sensors leave it false.
type DeviceProfile struct {
	CPUFree  float64 // idle fraction in [0,1]
	CPUKnown bool

	MemAvailableBytes int64
	MemKnown          bool

	GPUPresent      bool
	GPUKnown        bool
	GPUMemFreeBytes int64

	BatteryPct   float64 // 0..100; unknown on hosts without a battery
	BatteryKnown bool

	Thermal ThermalState
	Network NetworkClass

	CapturedAt time.Time
}

// LowHeadroom reports whether the device is constrained enough that the
// engine should prefer a smaller quantization of the chosen tier. The
// returned reason names the first constraint hit. Unknown fields never
// count as constrained.
func (p DeviceProfile) LowHeadroom(h HeadroomConfig) (bool, string) {
	if p.Thermal != ThermalUnknown && h.ThrottleAt != ThermalUnknown && p.Thermal >= h.ThrottleAt {
		return true, "thermal=" + p.Thermal.String()
	}
	if p.BatteryKnown && p.BatteryPct < h.MinBatteryPct {
		return true, fmt.Sprintf("battery=%.0f%%", p.BatteryPct)
	}
	if p.CPUKnown && p.CPUFree < h.MinCPUFree {
		return true, fmt.Sprintf("cpu_free=%.2f", p.CPUFree)
	}
	if h.DegradedNetwork && (p.Network == NetworkOffline || p.Network == NetworkConstrained) {
		return true, "network=" + p.Network.String()
	}
	return false, ""
}
