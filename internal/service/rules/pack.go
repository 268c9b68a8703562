package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ignite/repricer/internal/domain"
)

// Pack is a YAML document of rule definitions. Keys follow the JSON field
// names of domain.RepricingRule.
type Pack struct {
	Rules []domain.RepricingRule
}

type rawPack struct {
	Rules []map[string]interface{} `yaml:"rules"`
}

// LoadPack reads and parses a rule pack file.
func LoadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return ParsePack(data)
}

// ParsePack decodes YAML into rules by way of their JSON shape, so nested
// condition and action variants decode exactly as they do over the API.
func ParsePack(data []byte) (*Pack, error) {
	var raw rawPack
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	p := &Pack{Rules: make([]domain.RepricingRule, 0, len(raw.Rules))}
	for i, m := range raw.Rules {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		var r domain.RepricingRule
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

// ValidatePack checks every rule in the pack and returns the failures keyed by
// position.
func (s *Service) ValidatePack(p *Pack) map[int]error {
	out := make(map[int]error)
	for i := range p.Rules {
		r := p.Rules[i]
		if err := s.validate(&r); err != nil {
			out[i] = err
		}
	}
	return out
}

// SeedResult counts what Seed did.
type SeedResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Seed creates the pack's rules. Rules whose id already exists get their
// definition updated instead. The first invalid rule stops the seed.
func (s *Service) Seed(ctx context.Context, p *Pack) (SeedResult, error) {
	var res SeedResult
	for i, r := range p.Rules {
		if r.ID != "" {
			_, err := s.repo.GetRule(ctx, r.ID)
			switch {
			case err == nil:
				if _, err := s.Update(ctx, r.ID, r); err != nil {
					return res, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
				}
				res.Updated++
				continue
			case !errors.Is(err, domain.ErrNotFound):
				return res, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
			}
		}
		if _, err := s.Create(ctx, r); err != nil {
			return res, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		res.Created++
	}
	log.Printf("[rules.Service] Seeded rule pack: %d created, %d updated", res.Created, res.Updated)
	return res, nil
}
