package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"gopkg.in/yaml.v3"
)

const (
	minTopicLen = 5
	maxTopicLen = 1000
	maxPlanFile = 1 << 20
)

var phaseCodePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// DefaultPlan returns the built-in seven-phase plan.
func DefaultPlan() []PhaseSpec {
	return []PhaseSpec{
		{Ordinal: 0, Code: "ideation", Name: "Ideation", IntegrationAllowed: true},
		{Ordinal: 1, Code: "research", Name: "Research", IntegrationAllowed: true},
		{Ordinal: 2, Code: "design", Name: "Design", IntegrationAllowed: true},
		{Ordinal: 3, Code: "development_plan", Name: "Development Plan", IntegrationAllowed: true},
		{Ordinal: 4, Code: "execution", Name: "Execution", IntegrationAllowed: true},
		{Ordinal: 5, Code: "review", Name: "Review", IntegrationAllowed: true},
		{Ordinal: 6, Code: "deploy", Name: "Deploy", IntegrationAllowed: true},
	}
}

// ValidateTopic trims topic and checks its length.
func ValidateTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	n := utf8.RuneCountInString(topic)
	if n < minTopicLen || n > maxTopicLen {
		return "", errs.NewValidationError("topic", "length must be between %d and %d characters, got %d", minTopicLen, maxTopicLen, n)
	}
	return topic, nil
}

// NormalizePlan validates plan and returns a copy with ordinals assigned
// by position. An empty plan is a validation error.
func NormalizePlan(plan []PhaseSpec) ([]PhaseSpec, error) {
	if len(plan) == 0 {
		return nil, errs.NewValidationError("phases", "plan must contain at least one phase")
	}
	out := make([]PhaseSpec, len(plan))
	seen := make(map[string]bool, len(plan))
	for i, p := range plan {
		p.Code = strings.TrimSpace(p.Code)
		p.Name = strings.TrimSpace(p.Name)
		if !phaseCodePattern.MatchString(p.Code) {
			return nil, errs.NewValidationError(fmt.Sprintf("phases[%d].code", i), "%q must match %s", p.Code, phaseCodePattern)
		}
		if p.Name == "" {
			return nil, errs.NewValidationError(fmt.Sprintf("phases[%d].name", i), "must not be empty")
		}
		if seen[p.Code] {
			return nil, errs.NewValidationError(fmt.Sprintf("phases[%d].code", i), "duplicate code %q", p.Code)
		}
		seen[p.Code] = true
		p.Ordinal = i
		out[i] = p
	}
	return out, nil
}

// PlanFromConfig converts configured phases, or returns the default plan
// when none are configured.
func PlanFromConfig(phases []config.PhaseConfig) []PhaseSpec {
	if len(phases) == 0 {
		return DefaultPlan()
	}
	out := make([]PhaseSpec, len(phases))
	for i, p := range phases {
		out[i] = PhaseSpec{
			Ordinal:            i,
			Code:               p.Code,
			Name:               p.Name,
			IntegrationAllowed: p.IntegrationAllowed,
			Critical:           p.Critical,
			Template:           p.Template,
		}
	}
	return out
}

type planFile struct {
	Phases []PhaseSpec `json:"phases" yaml:"phases" toml:"phases"`
}

// LoadPlanFile reads a custom plan from a TOML, YAML or JSON file, chosen
// by extension. The file holds a top-level "phases" list.
func LoadPlanFile(path string) ([]PhaseSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("plan file: %w", err)
	}
	if info.Size() > maxPlanFile {
		return nil, errs.NewValidationError("plan", "file %s exceeds %d bytes", path, maxPlanFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}

	var pf planFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &pf); err != nil {
			return nil, errs.NewValidationError("plan", "parsing %s: %v", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, errs.NewValidationError("plan", "parsing %s: %v", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pf); err != nil {
			return nil, errs.NewValidationError("plan", "parsing %s: %v", path, err)
		}
	default:
		return nil, errs.NewValidationError("plan", "unsupported plan file extension %q", ext)
	}
	return NormalizePlan(pf.Phases)
}
