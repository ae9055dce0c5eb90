package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/kfactor/pkg/agent"
	"github.com/Mindburn-Labs/kfactor/pkg/analytics"
	"github.com/Mindburn-Labs/kfactor/pkg/budget"
	"github.com/Mindburn-Labs/kfactor/pkg/capabilities"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
	"github.com/Mindburn-Labs/kfactor/pkg/ratelimit"
	"github.com/Mindburn-Labs/kfactor/pkg/store"
)

// Policy is the growth policy: every tunable of the viral loops.
type Policy struct {
	Agents       agent.Config                    `yaml:"agents"`
	Links        LinkPolicy                      `yaml:"links"`
	Analytics    AnalyticsPolicy                 `yaml:"analytics"`
	Budget       budget.Limits                   `yaml:"budget"`
	RewardCosts  map[contracts.RewardType]int64  `yaml:"reward_costs"`
	TrustSafety  capabilities.TrustSafetyConfig  `yaml:"trust_safety"`
	Orchestrator capabilities.OrchestratorConfig `yaml:"orchestrator"`
	API          APIPolicy                       `yaml:"api"`
}

// LinkPolicy sets attribution link lifetimes.
type LinkPolicy struct {
	DefaultTTL time.Duration            `yaml:"default_ttl"`
	LoopTTL    map[string]time.Duration `yaml:"loop_ttl"`
}

// AnalyticsPolicy sets the K-factor target and guardrails. EventCapacity
// bounds the in-memory event log; Retention prunes the SQL ones.
type AnalyticsPolicy struct {
	KFactorTarget float64              `yaml:"kfactor_target"`
	Guardrails    analytics.Guardrails `yaml:"guardrails"`
	EventCapacity int                  `yaml:"event_capacity"`
	Retention     time.Duration        `yaml:"retention"`
}

// APIPolicy bounds per-client request rates on the HTTP surface.
type APIPolicy struct {
	RateLimit ratelimit.Policy `yaml:"rate_limit"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		Agents: agent.DefaultConfig(),
		Links: LinkPolicy{
			DefaultTTL: 30 * 24 * time.Hour,
			LoopTTL: map[string]time.Duration{
				loops.BuddyChallenge: 48 * time.Hour,
				loops.StreakRescue:   24 * time.Hour,
			},
		},
		Analytics: AnalyticsPolicy{
			KFactorTarget: analytics.DefaultKFactorTarget,
			Guardrails:    analytics.DefaultGuardrails(),
			EventCapacity: store.DefaultEventCapacity,
			Retention:     90 * 24 * time.Hour,
		},
		Budget:       budget.DefaultLimits(),
		RewardCosts:  capabilities.DefaultUnitCosts(),
		TrustSafety:  capabilities.DefaultTrustSafetyConfig(),
		Orchestrator: capabilities.DefaultOrchestratorConfig(),
		API: APIPolicy{
			RateLimit: ratelimit.Policy{PerMinute: 120, Burst: 40},
		},
	}
}

// LoadPolicy overlays the YAML file at path on DefaultPolicy. An empty path
// returns the defaults. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	if err := p.overlay(data); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %q: %w", path, err)
	}
	return p, nil
}

func (p *Policy) overlay(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects values that would disable a safety mechanism by accident.
func (p *Policy) Validate() error {
	var errs []error
	if p.Agents.Timeout <= 0 {
		errs = append(errs, errors.New("agents.timeout must be positive"))
	}
	if p.Agents.MaxRetries < 0 {
		errs = append(errs, errors.New("agents.max_retries must not be negative"))
	}
	if p.Agents.FailureThreshold <= 0 {
		errs = append(errs, errors.New("agents.failure_threshold must be positive"))
	}
	if p.Links.DefaultTTL <= 0 {
		errs = append(errs, errors.New("links.default_ttl must be positive"))
	}
	for id := range p.Links.LoopTTL {
		if _, ok := loops.KindOf(id); !ok {
			errs = append(errs, fmt.Errorf("links.loop_ttl: unknown loop %q", id))
		}
	}
	if p.Analytics.KFactorTarget <= 0 {
		errs = append(errs, errors.New("analytics.kfactor_target must be positive"))
	}
	if p.Analytics.EventCapacity < 0 {
		errs = append(errs, errors.New("analytics.event_capacity must not be negative"))
	}
	for _, w := range []budget.Window{p.Budget.PerUser, p.Budget.Pool} {
		for _, period := range budget.Periods {
			if w.Get(period) < 0 {
				errs = append(errs, fmt.Errorf("budget: negative %s limit", period))
			}
		}
	}
	for t, c := range p.RewardCosts {
		if c < 0 {
			errs = append(errs, fmt.Errorf("reward_costs.%s must not be negative", t))
		}
	}
	return errors.Join(errs...)
}
