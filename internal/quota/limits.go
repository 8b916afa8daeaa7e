package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WindowLimits caps one window's token and request budgets.
type WindowLimits struct {
	Tokens   int64 `yaml:"tokens"`
	Requests int64 `yaml:"requests"`
}

// Pricing converts recorded usage into USD for cost tracking.
type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
	PerImage    float64 `yaml:"per_image"`
}

// ServiceLimits is the full quota shape of one external service.
type ServiceLimits struct {
	PerMinute WindowLimits `yaml:"per_minute"`
	PerDay    WindowLimits `yaml:"per_day"`
	Pricing   Pricing      `yaml:"pricing"`
}

// Limits maps service name → limits.
type Limits map[string]ServiceLimits

// limitsFile is the YAML override file layout.
type limitsFile struct {
	Services Limits `yaml:"services"`
}

// DefaultLimits returns the built-in limits: the vision service at the
// Gemini free-tier shape (4M tokens and 15 requests per minute, 1B tokens
// and 1500 requests per day) with Gemini 2.5 Flash pricing.
func DefaultLimits() Limits {
	return Limits{
		"vision": {
			PerMinute: WindowLimits{Tokens: 4_000_000, Requests: 15},
			PerDay:    WindowLimits{Tokens: 1_000_000_000, Requests: 1_500},
			Pricing: Pricing{
				InputPer1K:  0.00001875,
				OutputPer1K: 0.0000375,
				PerImage:    0.0001315,
			},
		},
	}
}

// LoadLimitsFile reads a YAML limits file and overlays it on the defaults.
// Services present in the file replace the default entry wholesale.
func LoadLimitsFile(path string) (Limits, error) {
	limits := DefaultLimits()
	if path == "" {
		return limits, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("quota: read limits file: %w", err)
	}
	var file limitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("quota: parse limits file: %w", err)
	}
	for service, sl := range file.Services {
		if sl.PerMinute.Tokens <= 0 || sl.PerMinute.Requests <= 0 ||
			sl.PerDay.Tokens <= 0 || sl.PerDay.Requests <= 0 {
			return nil, fmt.Errorf("quota: limits for %q must be positive in both windows", service)
		}
		limits[service] = sl
	}
	return limits, nil
}

// CostOf computes the USD cost of one call from the service's pricing.
// Unknown services cost zero.
func (l Limits) CostOf(service string, usage Usage) float64 {
	sl, ok := l[service]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000*sl.Pricing.InputPer1K +
		float64(usage.OutputTokens)/1000*sl.Pricing.OutputPer1K +
		float64(usage.ImageCount)*sl.Pricing.PerImage
}
