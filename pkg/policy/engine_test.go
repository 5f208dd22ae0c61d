package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

func TestEngine_Select(t *testing.T) {
	rules := []models.PolicyRule{
		{Name: "monitor-everything", Priority: 100, DeviceTypes: []string{"any"}, RiskLevels: []string{"any"}, NetworkControl: models.NetworkMonitor},
		{Name: "restrict-medium-cameras", Priority: 2, DeviceTypes: []string{"camera"}, RiskLevels: []string{"medium", "high"}, NetworkControl: models.NetworkRestrict},
		{Name: "isolate-high-cameras", Priority: 1, DeviceTypes: []string{"camera"}, RiskLevels: []string{"high"}, NetworkControl: models.NetworkIsolate},
		{Name: "isolate-high-any", Priority: 5, DeviceTypes: []string{"ANY"}, RiskLevels: []string{"high"}, NetworkControl: models.NetworkIsolate},
	}
	engine := NewEngine(rules)

	tests := []struct {
		name       string
		deviceType string
		level      models.RiskLevel
		want       string
	}{
		{"lowest priority wins over catalog order", "camera", models.RiskHigh, "isolate-high-cameras"},
		{"type and level must both match", "camera", models.RiskMedium, "restrict-medium-cameras"},
		{"wildcard type", "thermostat", models.RiskHigh, "isolate-high-any"},
		{"case-insensitive type", "Camera", models.RiskHigh, "isolate-high-cameras"},
		{"catch-all", "thermostat", models.RiskLow, "monitor-everything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := engine.Select(tt.deviceType, tt.level)
			assert.True(t, ok)
			assert.Equal(t, tt.want, rule.Name)
		})
	}
}

func TestEngine_SelectIsIndependentOfCatalogOrder(t *testing.T) {
	p1 := models.PolicyRule{Name: "p1", Priority: 1, DeviceTypes: []string{"camera"}, RiskLevels: []string{"high"}}
	p2 := models.PolicyRule{Name: "p2", Priority: 2, DeviceTypes: []string{"camera"}, RiskLevels: []string{"high"}}

	for _, rules := range [][]models.PolicyRule{{p1, p2}, {p2, p1}} {
		rule, ok := NewEngine(rules).Select("camera", models.RiskHigh)
		assert.True(t, ok)
		assert.Equal(t, "p1", rule.Name)
	}
}

func TestEngine_TiesResolveByCatalogOrder(t *testing.T) {
	a := models.PolicyRule{Name: "a", Priority: 3, DeviceTypes: []string{"any"}, RiskLevels: []string{"any"}}
	b := models.PolicyRule{Name: "b", Priority: 3, DeviceTypes: []string{"any"}, RiskLevels: []string{"any"}}

	rule, _ := NewEngine([]models.PolicyRule{a, b}).Select("camera", models.RiskLow)
	assert.Equal(t, "a", rule.Name)

	rule, _ = NewEngine([]models.PolicyRule{b, a}).Select("camera", models.RiskLow)
	assert.Equal(t, "b", rule.Name)
}

func TestEngine_NoMatch(t *testing.T) {
	engine := NewEngine([]models.PolicyRule{
		{Name: "cameras", Priority: 1, DeviceTypes: []string{"camera"}, RiskLevels: []string{"high"}},
	})

	_, ok := engine.Select("thermostat", models.RiskHigh)
	assert.False(t, ok)

	_, ok = NewEngine(nil).Select("camera", models.RiskHigh)
	assert.False(t, ok)
}

func TestEngine_RulesIsACopy(t *testing.T) {
	engine := NewEngine([]models.PolicyRule{{Name: "x", Priority: 1}})
	rules := engine.Rules()
	rules[0].Name = "mutated"
	assert.Equal(t, "x", engine.Rules()[0].Name)
}
