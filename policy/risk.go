package policy

// RiskLevel grades how dangerous an action is for approval prompts.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

var riskByOrder = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

var baseRisk = map[string]RiskLevel{
	CapLLMCall:      RiskLow,
	CapFileRead:     RiskLow,
	CapFileWrite:    RiskMedium,
	CapFileDelete:   RiskHigh,
	CapShellExec:    RiskHigh,
	CapNetworkFetch: RiskMedium,
}

// BaseRisk returns the table risk for a capability. Unknown capabilities
// are treated as high.
func BaseRisk(capability string) RiskLevel {
	if r, ok := baseRisk[capability]; ok {
		return r
	}
	return RiskHigh
}

// Escalate raises r by one level, saturating at critical.
func (r RiskLevel) Escalate() RiskLevel {
	i := riskOrder[r] + 1
	if i >= len(riskByOrder) {
		i = len(riskByOrder) - 1
	}
	return riskByOrder[i]
}

// AtLeast returns the higher of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor == "" {
		return r
	}
	if riskOrder[floor] > riskOrder[r] {
		return floor
	}
	return r
}
