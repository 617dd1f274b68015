package anomaly

// TypeInfo describes an anomaly type for display.
type TypeInfo struct {
	Type          Type   `json:"type"`
	Label         string `json:"label"`
	Action        string `json:"action"`
	EstimatedTime string `json:"estimated_time"`
	Impact        string `json:"impact"`
}

// Catalog maps each type to its display description.
type Catalog map[Type]TypeInfo

// Lookup returns the description of t, falling back to a generic entry.
func (c Catalog) Lookup(t Type) TypeInfo {
	if info, ok := c[t]; ok {
		return info
	}
	return TypeInfo{
		Type:          t,
		Label:         string(t),
		Action:        "Investigate and monitor system closely. Contact technical support if issues persist.",
		EstimatedTime: "1-2 hours",
		Impact:        "Unknown impact - requires investigation",
	}
}

// Merge overlays non-empty fields of other onto a copy of c.
func (c Catalog) Merge(other Catalog) Catalog {
	out := make(Catalog, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		base, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		if v.Label != "" {
			base.Label = v.Label
		}
		if v.Action != "" {
			base.Action = v.Action
		}
		if v.EstimatedTime != "" {
			base.EstimatedTime = v.EstimatedTime
		}
		if v.Impact != "" {
			base.Impact = v.Impact
		}
		out[k] = base
	}
	return out
}

// DefaultTypeCatalog is the built-in label table used when the service cannot provide one.
func DefaultTypeCatalog() Catalog {
	entries := []TypeInfo{
		{TypeSuddenDrop, "Sudden drop", "Investigate equipment malfunction. Check sensors, wiring, and power supply.", "1-3 hours", "Possible equipment damage or environmental shock"},
		{TypeSuddenSpike, "Sudden spike", "Check for external interference, calibration drift, or electrical issues.", "30-60 minutes", "Risk of sensor damage or incorrect readings"},
		{TypeConstantValue, "Constant value", "Sensor output is frozen. Power-cycle the device and check the sensor head.", "30 minutes", "Readings no longer reflect the environment"},
		{TypeMissingData, "Missing data", "Check device connectivity and upload schedule.", "30 minutes", "Gaps in monitoring history"},
		{TypeLowVoltage, "Low voltage", "Check power supply connections and battery health. Replace if battery < 20%.", "30 minutes", "Potential data loss and system shutdown"},
		{TypeHighFluctuation, "High fluctuation", "Stabilize environment. Check for vibrations or loose connections.", "1-2 hours", "Unreliable data and potential stress"},
		{TypeVPDTooLow, "VPD too low", "Increase air circulation and adjust humidity to 60-70%.", "2-4 hours", "High risk of plant disease and poor growth"},
		{TypeDewPointClose, "Dew point close", "Increase ventilation immediately. Consider dehumidification.", "1-2 hours", "Critical risk of mold and fungal growth"},
		{TypeBatteryDepleted, "Battery depleted", "Replace or recharge sensor battery immediately.", "15 minutes", "Imminent system shutdown"},
		{TypeMLDetected, "Unusual pattern", "Monitor system closely for 30 minutes and check for environmental changes.", "30 minutes", "Unclassified deviation from normal behaviour"},
		{TypePowerOutage, "Power outage", "Check the device power source and restore supply.", "30 minutes", "No measurements while power is out"},
		{TypeSensorMalfunction, "Sensor malfunction", "Replace faulty sensor and recalibrate after replacement.", "2-4 hours", "Loss of monitoring capability"},
		{TypeTemperatureHigh, "Temperature high", "Cool the zone or increase ventilation.", "1-2 hours", "Heat stress on plants"},
		{TypeTemperatureLow, "Temperature low", "Warm the zone and check heating.", "1-2 hours", "Cold stress and slowed growth"},
		{TypeHumidityHigh, "Humidity high", "Increase ventilation or run a dehumidifier.", "1-2 hours", "Mold and disease risk"},
		{TypeHumidityLow, "Humidity low", "Add humidification or reduce airflow.", "1-2 hours", "Dehydration and leaf damage"},
	}
	out := make(Catalog, len(entries))
	for _, e := range entries {
		out[e.Type] = e
	}
	return out
}
