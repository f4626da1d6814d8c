// services/battery/state.go
package battery

// Health is the coarse battery condition derived on each evaluation.
type Health uint8

const (
	HealthNormal Health = iota
	HealthCritical
	HealthLow
	HealthHigh
	HealthFull
	HealthCharging
	HealthError
)

func (h Health) String() string {
	switch h {
	case HealthCritical:
		return "critical"
	case HealthLow:
		return "low"
	case HealthNormal:
		return "normal"
	case HealthHigh:
		return "high"
	case HealthFull:
		return "full"
	case HealthCharging:
		return "charging"
	default:
		return "error"
	}
}

func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// Charge classifies the charger from the sign and size of the current.
type Charge uint8

const (
	NotCharging Charge = iota
	FastCharging
	SlowCharging
	TrickleCharging
	ChargeComplete
	ChargeError
)

func (c Charge) String() string {
	switch c {
	case NotCharging:
		return "not_charging"
	case FastCharging:
		return "fast_charging"
	case SlowCharging:
		return "slow_charging"
	case TrickleCharging:
		return "trickle_charging"
	case ChargeComplete:
		return "complete"
	default:
		return "error"
	}
}

func (c Charge) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Snapshot is the coordinator's view as of the last evaluation.
type Snapshot struct {
	Voltage     float64 `json:"voltage_v"`
	Current     float64 `json:"current_ma"`
	Temperature float64 `json:"temperature_c"`
	Charging    bool    `json:"charging"`
	Percentage  int     `json:"percentage"`
	Health      Health  `json:"health"`
	Charge      Charge  `json:"charge"`
	ThermalHigh bool    `json:"thermal_high"`
	Faulted     bool    `json:"faulted"`
}

// classifyCharge maps a charging current (negative while charging, in mA).
func classifyCharge(charging bool, currentMA float64, pct int) Charge {
	if !charging {
		return NotCharging
	}
	switch {
	case currentMA < -500:
		return FastCharging
	case currentMA < -100:
		return SlowCharging
	case currentMA < -10:
		return TrickleCharging
	case pct >= 100:
		return ChargeComplete
	default:
		return ChargeError
	}
}

// classifyHealth orders the checks so that charging wins and full is
// reachable ahead of high.
func classifyHealth(charging bool, pct, low, critical int) Health {
	switch {
	case charging:
		return HealthCharging
	case pct <= critical:
		return HealthCritical
	case pct <= low:
		return HealthLow
	case pct > 80:
		return HealthHigh
	case pct >= 100:
		return HealthFull
	default:
		return HealthNormal
	}
}
