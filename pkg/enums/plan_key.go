package enums

import "fmt"

// PlanKey identifies an entry in the fixed plan catalog.
type PlanKey string

const (
	PlanDruidGeniess PlanKey = "druid_geniess"
	PlanEntity       PlanKey = "entity"
)

var validPlanKeys = []PlanKey{
	PlanDruidGeniess,
	PlanEntity,
}

// String implements fmt.Stringer.
func (p PlanKey) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PlanKey) IsValid() bool {
	for _, candidate := range validPlanKeys {
		if candidate == p {
			return true
		}
	}
	return false
}

// Includes reports whether a subscription on plan p also covers the
// required plan. The bundle tier covers the standalone entity tier.
func (p PlanKey) Includes(required PlanKey) bool {
	if p == required {
		return true
	}
	return p == PlanDruidGeniess && required == PlanEntity
}

// ParsePlanKey converts raw input into a PlanKey.
func ParsePlanKey(value string) (PlanKey, error) {
	for _, candidate := range validPlanKeys {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan key %q", value)
}
