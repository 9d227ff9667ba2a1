package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Config tunes the alerting engine.
type Config struct {
	Enabled             bool
	CheckInterval       time.Duration
	MaxActiveAlerts     int
	AlertRetentionHours int
	WebhookURL          string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxActiveAlerts:     50,
		AlertRetentionHours: 24,
	}
}

// Status summarizes the engine for the /monitoring/status surface.
type Status struct {
	Running       bool      `json:"running"`
	RuleCount     int       `json:"rule_count"`
	EnabledRules  int       `json:"enabled_rules"`
	ActiveAlerts  int       `json:"active_alerts"`
	HistoryLength int       `json:"history_length"`
	LastTick      time.Time `json:"last_tick,omitempty"`
	CheckInterval string    `json:"check_interval"`
}

// Service evaluates the rule set against a fresh metrics snapshot on every
// tick, raises alerts under cooldown gating, auto-resolves them when the
// predicate clears and fans notifications out to the configured sinks.
type Service struct {
	config    Config
	collector Collector
	sinks     []Sink
	logger    observability.Logger

	mu            sync.Mutex
	rules         []Rule
	active        map[string]*Alert // keyed by rule id; one active alert per rule
	history       []Alert
	lastTriggered map[string]time.Time
	lastTick      time.Time
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewService builds the engine with the default rule set.
func NewService(config Config, collector Collector, sinks []Sink, logger observability.Logger) *Service {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.MaxActiveAlerts <= 0 {
		config.MaxActiveAlerts = DefaultConfig().MaxActiveAlerts
	}
	if config.AlertRetentionHours <= 0 {
		config.AlertRetentionHours = DefaultConfig().AlertRetentionHours
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	return &Service{
		config:        config,
		collector:     collector,
		sinks:         sinks,
		logger:        logger,
		rules:         DefaultRules(),
		active:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
	}
}

// AddRule appends a rule to the evaluation order. Used by tests and by
// operators extending the default set.
func (s *Service) AddRule(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// SetRuleEnabled toggles a rule by id.
func (s *Service) SetRuleEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("monitoring rule not found: %s", id)
}

// Start launches the evaluation loop. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running || !s.config.Enabled {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.EvaluateOnce()
			case <-stop:
				return
			}
		}
	}()

	s.logger.Info("Monitoring started", map[string]interface{}{
		"check_interval": s.config.CheckInterval.String(),
		"rules":          len(s.rules),
	})
}

// Stop halts the evaluation loop and waits for the in-flight tick.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Monitoring stopped", nil)
}

// EvaluateOnce collects one snapshot and runs every enabled rule against
// it. Raise and auto-resolve for the same rule are mutually exclusive
// within the tick.
func (s *Service) EvaluateOnce() {
	snapshot := s.collector()

	s.mu.Lock()
	s.lastTick = time.Now()
	rules := make([]Rule, len(s.rules))
	copy(rules, s.rules)
	s.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		triggered := s.evaluate(rule, snapshot)

		s.mu.Lock()
		if triggered {
			s.maybeRaiseLocked(rule, snapshot)
		} else {
			s.autoResolveLocked(rule.ID)
		}
		s.pruneLocked()
		s.mu.Unlock()
	}
}

// evaluate runs the predicate under a recover so one bad rule cannot kill
// the tick.
func (s *Service) evaluate(rule Rule, snapshot Snapshot) (triggered bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Monitoring rule panicked", map[string]interface{}{
				"rule":  rule.ID,
				"panic": fmt.Sprintf("%v", r),
			})
			triggered = false
		}
	}()
	return rule.Predicate(snapshot)
}

// maybeRaiseLocked raises an alert for the rule unless its cooldown is
// still running or the active cap is reached. A condition that persists
// past the cooldown raises again; the prior occurrence is retired so the
// rule holds at most one active alert.
func (s *Service) maybeRaiseLocked(rule Rule, snapshot Snapshot) {
	if last, ok := s.lastTriggered[rule.ID]; ok && time.Since(last) < rule.Cooldown {
		return
	}

	prior, reraise := s.active[rule.ID]
	if !reraise && len(s.active) >= s.config.MaxActiveAlerts {
		s.logger.Warn("Active alert cap reached, alert skipped", map[string]interface{}{
			"rule": rule.ID,
			"cap":  s.config.MaxActiveAlerts,
		})
		return
	}
	if reraise {
		now := time.Now()
		prior.Resolved = true
		prior.ResolvedAt = &now
		s.markResolvedInHistoryLocked(prior.ID, now)
	}

	alert := &Alert{
		ID:          fmt.Sprintf("alert_%s", uuid.NewString()[:8]),
		RuleID:      rule.ID,
		Severity:    rule.Severity,
		Title:       rule.ID,
		Description: rule.Description,
		Source:      "monitoring",
		RaisedAt:    time.Now(),
		ContextMetrics: map[string]interface{}{
			"p95_ms":             snapshot.Performance.Global.P95MS,
			"error_rate":         snapshot.Performance.Global.ErrorRate,
			"rps":                snapshot.Performance.Global.RequestsPerSecond,
			"cache_hit_rate":     snapshot.CacheStats.HitRate,
			"resident_memory_mb": snapshot.Performance.Resources.ResidentMemoryMB,
			"adapter_healthy":    snapshot.AdapterHealthyPercent(),
		},
	}

	s.active[rule.ID] = alert
	s.lastTriggered[rule.ID] = alert.RaisedAt
	s.history = append(s.history, *alert)

	s.logger.Warn("Alert raised", map[string]interface{}{
		"alert":    alert.ID,
		"rule":     rule.ID,
		"severity": string(rule.Severity),
	})

	s.notify(*alert, snapshot)
}

// autoResolveLocked resolves the rule's active alert, if any.
func (s *Service) autoResolveLocked(ruleID string) {
	alert, exists := s.active[ruleID]
	if !exists {
		return
	}

	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(s.active, ruleID)
	s.markResolvedInHistoryLocked(alert.ID, now)

	s.logger.Info("Alert auto-resolved", map[string]interface{}{
		"alert": alert.ID,
		"rule":  ruleID,
	})
}

// ResolveAlert manually resolves an active alert by alert id.
func (s *Service) ResolveAlert(alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ruleID, alert := range s.active {
		if alert.ID == alertID {
			now := time.Now()
			alert.Resolved = true
			alert.ResolvedAt = &now
			delete(s.active, ruleID)
			s.markResolvedInHistoryLocked(alertID, now)
			s.logger.Info("Alert manually resolved", map[string]interface{}{
				"alert": alertID,
			})
			return nil
		}
	}
	return fmt.Errorf("active alert not found: %s", alertID)
}

func (s *Service) markResolvedInHistoryLocked(alertID string, at time.Time) {
	for i := range s.history {
		if s.history[i].ID == alertID {
			s.history[i].Resolved = true
			t := at
			s.history[i].ResolvedAt = &t
			return
		}
	}
}

// pruneLocked drops history entries older than the retention window.
func (s *Service) pruneLocked() {
	cutoff := time.Now().Add(-time.Duration(s.config.AlertRetentionHours) * time.Hour)
	kept := s.history[:0]
	for _, alert := range s.history {
		if alert.RaisedAt.After(cutoff) {
			kept = append(kept, alert)
		}
	}
	s.history = kept
}

// notify fans the alert out to every sink; a failing sink is logged and
// does not block the others. Runs with the service lock held, so sinks must
// not call back into the service.
func (s *Service) notify(alert Alert, snapshot Snapshot) {
	for _, sink := range s.sinks {
		sink := sink
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Alert sink panicked", map[string]interface{}{
						"panic": fmt.Sprintf("%v", r),
					})
				}
			}()
			if err := sink.Notify(alert, snapshot); err != nil {
				s.logger.Warn("Alert sink failed", map[string]interface{}{
					"alert": alert.ID,
					"error": err.Error(),
				})
			}
		}()
	}
}

// ActiveAlerts returns the active alerts, newest first.
func (s *Service) ActiveAlerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts := make([]Alert, 0, len(s.active))
	for _, alert := range s.active {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// History returns the retained alert history, oldest first.
func (s *Service) History() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]Alert, len(s.history))
	copy(history, s.history)
	return history
}

// Rules returns the current rule set.
func (s *Service) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := make([]Rule, len(s.rules))
	copy(rules, s.rules)
	return rules
}

// GetStatus summarizes the engine.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	for _, rule := range s.rules {
		if rule.Enabled {
			enabled++
		}
	}

	return Status{
		Running:       s.running,
		RuleCount:     len(s.rules),
		EnabledRules:  enabled,
		ActiveAlerts:  len(s.active),
		HistoryLength: len(s.history),
		LastTick:      s.lastTick,
		CheckInterval: s.config.CheckInterval.String(),
	}
}
