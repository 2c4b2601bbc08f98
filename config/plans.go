package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AJaySi/AI-Writer-sub012/internal/usage"
)

// PlanTable maps plan -> provider -> limits and backs the usage
// governor. When loaded from a file it can hot-reload on change; a
// reload that fails to parse keeps the previous table.
type PlanTable struct {
	mu          sync.RWMutex
	defaultPlan string
	plans       map[string]map[string]usage.Limits

	path          string
	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	stopChan      chan struct{}
}

type planFile struct {
	DefaultPlan string                             `yaml:"default_plan"`
	Plans       map[string]map[string]providerPlan `yaml:"plans"`
}

type providerPlan struct {
	CallsPerPeriod int64   `yaml:"calls_per_period"`
	CostCeilingUSD float64 `yaml:"cost_ceiling_usd"`
	PricePer1KIn   float64 `yaml:"price_per_1k_in"`
	PricePer1KOut  float64 `yaml:"price_per_1k_out"`
}

// NewStaticPlans builds a table that never reloads.
func NewStaticPlans(defaultPlan string, plans map[string]map[string]usage.Limits) *PlanTable {
	return &PlanTable{
		defaultPlan: defaultPlan,
		plans:       plans,
		stopChan:    make(chan struct{}),
	}
}

// DefaultPlans is the built-in table used when no plans file is
// configured: a conservative free tier and a paid tier.
func DefaultPlans() *PlanTable {
	return NewStaticPlans("free", map[string]map[string]usage.Limits{
		"free": {
			"gemini":    {Calls: 100, CostUSD: 5, PricePer1KIn: 0.5, PricePer1KOut: 1.5},
			"openai":    {Calls: 100, CostUSD: 5, PricePer1KIn: 2.5, PricePer1KOut: 10},
			"anthropic": {Calls: 100, CostUSD: 5, PricePer1KIn: 3, PricePer1KOut: 15},
			"stability": {Calls: 50, CostUSD: 5},
		},
		"pro": {
			"gemini":    {Calls: 5000, CostUSD: 100, PricePer1KIn: 0.5, PricePer1KOut: 1.5},
			"openai":    {Calls: 5000, CostUSD: 100, PricePer1KIn: 2.5, PricePer1KOut: 10},
			"anthropic": {Calls: 5000, CostUSD: 100, PricePer1KIn: 3, PricePer1KOut: 15},
			"stability": {Calls: 1000, CostUSD: 50},
		},
	})
}

// LoadPlans reads the plan table from path. An empty path or a
// missing file yields the built-in table; a file that exists but does
// not parse is a startup error.
func LoadPlans(path string) (*PlanTable, error) {
	if path == "" {
		return DefaultPlans(), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("[plans] %s not found, using built-in plans", path)
		t := DefaultPlans()
		t.path = path
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}

	defaultPlan, plans, err := parsePlans(data)
	if err != nil {
		return nil, err
	}
	t := NewStaticPlans(defaultPlan, plans)
	t.path = path
	return t, nil
}

func parsePlans(data []byte) (string, map[string]map[string]usage.Limits, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return "", nil, fmt.Errorf("failed to parse plans file: %w", err)
	}
	if len(pf.Plans) == 0 {
		return "", nil, fmt.Errorf("plans file defines no plans")
	}
	if pf.DefaultPlan == "" {
		return "", nil, fmt.Errorf("plans file missing default_plan")
	}
	if _, ok := pf.Plans[pf.DefaultPlan]; !ok {
		return "", nil, fmt.Errorf("default_plan %q is not defined", pf.DefaultPlan)
	}

	plans := make(map[string]map[string]usage.Limits, len(pf.Plans))
	for name, providers := range pf.Plans {
		table := make(map[string]usage.Limits, len(providers))
		for provider, p := range providers {
			table[provider] = usage.Limits{
				Calls:         p.CallsPerPeriod,
				CostUSD:       p.CostCeilingUSD,
				PricePer1KIn:  p.PricePer1KIn,
				PricePer1KOut: p.PricePer1KOut,
			}
		}
		plans[name] = table
	}
	return pf.DefaultPlan, plans, nil
}

// Limits implements usage.PlanSource. An empty or unknown plan
// resolves through the default plan; a provider absent from the plan
// is unmetered.
func (t *PlanTable) Limits(planID, provider string) (usage.Limits, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if planID == "" {
		planID = t.defaultPlan
	}
	providers, ok := t.plans[planID]
	if !ok {
		providers = t.plans[t.defaultPlan]
	}
	limits, ok := providers[provider]
	return limits, ok
}

// DefaultPlan returns the plan applied to identities without one.
func (t *PlanTable) DefaultPlan() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultPlan
}

// Watch starts reloading the table when the plans file changes. The
// directory is watched rather than the file so recreation (the common
// editor save pattern) is caught too.
func (t *PlanTable) Watch() error {
	if t.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return err
	}
	t.watcher = watcher

	go t.watchLoop()
	return nil
}

func (t *PlanTable) watchLoop() {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(t.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Debounce rapid changes
				if t.debounceTimer != nil {
					t.debounceTimer.Stop()
				}
				t.debounceTimer = time.AfterFunc(debounceInterval, t.reload)
			}

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[plans] watcher error: %v", err)

		case <-t.stopChan:
			return
		}
	}
}

func (t *PlanTable) reload() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		log.Printf("[plans] reload skipped: %v", err)
		return
	}
	defaultPlan, plans, err := parsePlans(data)
	if err != nil {
		log.Printf("[plans] reload skipped: %v", err)
		return
	}

	t.mu.Lock()
	t.defaultPlan = defaultPlan
	t.plans = plans
	t.mu.Unlock()
	log.Printf("[plans] reloaded %d plans from %s", len(plans), t.path)
}

// Close stops the watcher. Safe to call when Watch was never started.
func (t *PlanTable) Close() {
	close(t.stopChan)
	if t.watcher != nil {
		t.watcher.Close()
	}
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
}
