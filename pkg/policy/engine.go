package policy

import (
	"sort"
	"strings"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// Engine selects the policy rule that applies to a device. Rules are
// ordered by priority once at construction; rules sharing a priority keep
// their catalog order, so the first of them wins.
type Engine struct {
	rules []models.PolicyRule
}

// NewEngine creates an engine over an immutable copy of rules
func NewEngine(rules []models.PolicyRule) *Engine {
	sorted := append([]models.PolicyRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Engine{rules: sorted}
}

// Select returns the best matching rule for a device type and risk level.
// ok is false when no rule covers the device.
func (e *Engine) Select(deviceType string, level models.RiskLevel) (rule models.PolicyRule, ok bool) {
	for _, r := range e.rules {
		if matches(r.DeviceTypes, deviceType) && matches(r.RiskLevels, string(level)) {
			return r, true
		}
	}
	return models.PolicyRule{}, false
}

// Rules returns the rules in evaluation order
func (e *Engine) Rules() []models.PolicyRule {
	return append([]models.PolicyRule(nil), e.rules...)
}

func matches(set []string, value string) bool {
	for _, s := range set {
		if strings.EqualFold(s, models.Wildcard) || strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}
