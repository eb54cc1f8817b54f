// Package config loads the YAML configuration used by programs that
// embed the SDK: the world model endpoint, the aggregator endpoints,
// and the solver's origin and type declarations.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grailplatform/grail-go-sdk/solver"
	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// Endpoint is one host and port pair.
type Endpoint struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// NetTarget converts the endpoint to the data model's address type.
func (e Endpoint) NetTarget() worldmodel.NetTarget {
	return worldmodel.NetTarget{IP: e.IP, Port: e.Port}
}

// Type is one attribute type declaration for a solver.
type Type struct {
	Name     string `yaml:"name"`
	OnDemand bool   `yaml:"onDemand"`
}

// Solver describes the solver role: its origin string and the types
// it announces.
type Solver struct {
	Origin string `yaml:"origin"`
	Types  []Type `yaml:"types"`
}

// TypeSpecs converts the declared types to the solver package's
// registration type.
func (s Solver) TypeSpecs() []solver.TypeSpec {
	specs := make([]solver.TypeSpec, 0, len(s.Types))
	for _, t := range s.Types {
		specs = append(specs, solver.TypeSpec{Name: t.Name, OnDemand: t.OnDemand})
	}
	return specs
}

// Config is the root document.
type Config struct {
	WorldModel  Endpoint   `yaml:"worldModel"`
	Aggregators []Endpoint `yaml:"aggregators"`
	Solver      Solver     `yaml:"solver"`
}

// AggregatorTargets converts the aggregator endpoints to the data
// model's address type.
func (c *Config) AggregatorTargets() []worldmodel.NetTarget {
	targets := make([]worldmodel.NetTarget, 0, len(c.Aggregators))
	for _, e := range c.Aggregators {
		targets = append(targets, e.NetTarget())
	}
	return targets
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorldModel.IP == "" && len(c.Aggregators) == 0 {
		return fmt.Errorf("config names neither a world model nor aggregators")
	}
	if c.WorldModel.IP != "" && c.WorldModel.Port == 0 {
		return fmt.Errorf("world model endpoint %q has no port", c.WorldModel.IP)
	}
	for _, e := range c.Aggregators {
		if e.IP == "" || e.Port == 0 {
			return fmt.Errorf("aggregator endpoint %q:%d is incomplete", e.IP, e.Port)
		}
	}
	seen := make(map[string]bool)
	for _, t := range c.Solver.Types {
		if t.Name == "" {
			return fmt.Errorf("solver type with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("solver type %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	if len(c.Solver.Types) > 0 && c.Solver.Origin == "" {
		return fmt.Errorf("solver declares types but no origin")
	}
	return nil
}
