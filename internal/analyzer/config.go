// Package analyzer implements the scheduled detection engine: each
// configured analyzer pulls logs from a source, groups and thresholds
// them, suppresses whitelisted groups, and pushes the survivors as alerts
// to the LAPIs it targets.
package analyzer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crowdsieve/crowdsieve/internal/apperr"
	"github.com/crowdsieve/crowdsieve/internal/config"
)

// Schedule is an analyzer's timer configuration.
type Schedule struct {
	Interval string `yaml:"interval"`
	Lookback string `yaml:"lookback"`
}

// SourceRef points an analyzer at one of the global named sources.
type SourceRef struct {
	Ref      string `yaml:"ref"`
	Query    string `yaml:"query"`
	MaxLines int    `yaml:"max_lines"`
}

// Extraction describes how raw log lines become the field map detection
// runs against.
type Extraction struct {
	Format string            `yaml:"format"` // json
	Fields map[string]string `yaml:"fields"` // output -> input path
}

// Detection is the group/threshold rule.
type Detection struct {
	GroupBy   string  `yaml:"groupby"`
	Distinct  string  `yaml:"distinct"` // optional field to count distinct values of
	Threshold float64 `yaml:"threshold"`
	Operator  string  `yaml:"operator"` // gt|gte|lt|lte|eq
}

// DecisionTemplate is the shape of the decision pushed for every detection
// emitted by this analyzer.
type DecisionTemplate struct {
	Type     string `yaml:"type"`
	Duration string `yaml:"duration"`
	Scope    string `yaml:"scope"`
	Scenario string `yaml:"scenario"`
	Reason   string `yaml:"reason"`
}

// Def is one analyzer configuration, as declared in a config_dir file.
type Def struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Version string `yaml:"version"`

	Schedule   Schedule          `yaml:"schedule"`
	Source     SourceRef         `yaml:"source"`
	Extraction Extraction        `yaml:"extraction"`
	Detection  Detection         `yaml:"detection"`
	Decision   DecisionTemplate  `yaml:"decision"`

	// Targets is "all" or an explicit list of LAPI server names.
	Targets yaml.Node `yaml:"targets"`

	interval time.Duration
	lookback time.Duration
}

// TargetsAll reports whether this analyzer targets every LAPI with machine
// credentials rather than an explicit subset.
func (d *Def) TargetsAll() bool {
	return d.Targets.Kind == yaml.ScalarNode && strings.EqualFold(d.Targets.Value, "all")
}

// TargetNames returns the explicit server name list; empty when TargetsAll.
func (d *Def) TargetNames() []string {
	if d.TargetsAll() || d.Targets.Kind != yaml.SequenceNode {
		return nil
	}
	names := make([]string, 0, len(d.Targets.Content))
	for _, n := range d.Targets.Content {
		names = append(names, n.Value)
	}
	return names
}

// targetsNode builds the yaml.Node a sequence-of-names unmarshal would have
// produced, so a file that omits targets falls back to ac.DefaultTargets
// exactly as if it had listed them explicitly. An empty names list leaves
// the node unset (TargetsAll false, TargetNames nil), matching zero
// configured servers rather than silently matching "all".
func targetsNode(names []string) yaml.Node {
	if len(names) == 0 {
		return yaml.Node{}
	}
	content := make([]*yaml.Node, 0, len(names))
	for _, n := range names {
		content = append(content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: n})
	}
	return yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: content}
}

// Interval returns the parsed schedule interval.
func (d *Def) Interval() time.Duration { return d.interval }

// Lookback returns the parsed schedule lookback window.
func (d *Def) Lookback() time.Duration { return d.lookback }

// LoadDefs reads every *.yaml/*.yml file under dir (skipping dotfiles and
// underscore-prefixed files, sorted lexicographically like the filters.d
// merge), applying ac's defaults for interval/lookback/targets where a
// file omits them. Per-file errors are returned individually so one
// malformed analyzer never blocks the rest from loading.
func LoadDefs(dir string, ac config.AnalyzersConfig) ([]*Def, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []*Def
	var errs []error
	for _, name := range names {
		full := filepath.Join(dir, name)
		raw, err := os.ReadFile(full)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", full, err))
			continue
		}
		d := &Def{}
		if err := yaml.Unmarshal(raw, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", full, err))
			continue
		}
		if d.Schedule.Interval == "" {
			d.Schedule.Interval = ac.DefaultInterval
		}
		if d.Schedule.Lookback == "" {
			d.Schedule.Lookback = ac.DefaultLookback
		}
		if d.Targets.Kind == 0 {
			d.Targets = targetsNode(ac.DefaultTargets)
		}
		if err := finalizeDef(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", full, err))
			continue
		}
		defs = append(defs, d)
	}
	return defs, errs
}

func finalizeDef(d *Def) error {
	if d.ID == "" {
		return apperr.New(apperr.InvalidConfig, "analyzer id is required")
	}
	iv, err := config.ParseDuration(d.Schedule.Interval)
	if err != nil {
		return apperr.Wrap(apperr.InvalidConfig, "analyzer schedule.interval", err)
	}
	lb, err := config.ParseDuration(d.Schedule.Lookback)
	if err != nil {
		return apperr.Wrap(apperr.InvalidConfig, "analyzer schedule.lookback", err)
	}
	d.interval = iv
	d.lookback = lb
	switch d.Detection.Operator {
	case "gt", "gte", "lt", "lte", "eq":
	default:
		return apperr.New(apperr.InvalidConfig, "analyzer detection.operator must be one of gt|gte|lt|lte|eq")
	}
	return nil
}
