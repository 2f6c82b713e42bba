package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Default classification rules. Coverage is the share of recent
// transactions that left at least one movement in the ledger.
const (
	DefaultCriticalRule = `transactions > 0 && coverage < 0.80`
	DefaultWarningRule  = `(transactions > 0 && coverage < 0.95) || insufficient_stock > 0 || negative_stock > 0`
)

type MonitorConfig struct {
	Window       time.Duration
	CriticalRule string
	WarningRule  string
}

// HealthReport is one sample of a store.
type HealthReport struct {
	StoreID       string                     `json:"store_id"`
	Status        HealthStatus               `json:"status"`
	Rule          string                     `json:"rule,omitempty"`
	Coverage      float64                    `json:"coverage"`
	Transactions  int                        `json:"transactions"`
	Covered       int                        `json:"covered"`
	Queue         map[domain.QueueStatus]int `json:"queue"`
	Items         int                        `json:"items"`
	LowStock      int                        `json:"low_stock"`
	NegativeStock int                        `json:"negative_stock"`
	Window        time.Duration              `json:"window_ns"`
	SampledAt     time.Time                  `json:"sampled_at"`
}

// Monitor classifies store health from ledger and queue state. It never
// writes.
type Monitor struct {
	health   port.HealthSource
	queue    port.QueueRepository
	window   time.Duration
	critical cel.Program
	warning  cel.Program
	cfg      MonitorConfig
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
}

type MonitorOption func(*Monitor)

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func WithMonitorLogger(logger *zap.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

func WithMonitorRecorder(r Recorder) MonitorOption {
	return func(m *Monitor) { m.recorder = r }
}

func NewMonitor(health port.HealthSource, queue port.QueueRepository, cfg MonitorConfig, opts ...MonitorOption) (*Monitor, error) {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.CriticalRule == "" {
		cfg.CriticalRule = DefaultCriticalRule
	}
	if cfg.WarningRule == "" {
		cfg.WarningRule = DefaultWarningRule
	}

	env, err := cel.NewEnv(
		cel.Variable("coverage", cel.DoubleType),
		cel.Variable("transactions", cel.IntType),
		cel.Variable("covered", cel.IntType),
		cel.Variable("pending", cel.IntType),
		cel.Variable("insufficient_stock", cel.IntType),
		cel.Variable("low_stock", cel.IntType),
		cel.Variable("negative_stock", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("health rule env: %w", err)
	}
	critical, err := compileRule(env, cfg.CriticalRule)
	if err != nil {
		return nil, fmt.Errorf("critical rule: %w", err)
	}
	warning, err := compileRule(env, cfg.WarningRule)
	if err != nil {
		return nil, fmt.Errorf("warning rule: %w", err)
	}

	m := &Monitor{
		health:   health,
		queue:    queue,
		window:   cfg.Window,
		critical: critical,
		warning:  warning,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func compileRule(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	return env.Program(ast)
}

func (m *Monitor) Report(ctx context.Context, storeID string) (HealthReport, error) {
	now := m.now()
	since := now.Add(-m.window)

	activity, err := m.health.RecentActivity(ctx, storeID, since)
	if err != nil {
		return HealthReport{}, fmt.Errorf("recent activity: %w", err)
	}
	levels, err := m.health.StockLevels(ctx, storeID)
	if err != nil {
		return HealthReport{}, fmt.Errorf("stock levels: %w", err)
	}
	counts, err := m.queue.CountByStatus(ctx, storeID)
	if err != nil {
		return HealthReport{}, fmt.Errorf("queue counts: %w", err)
	}
	open, err := m.queue.ListByStoreAndStatus(ctx, storeID, domain.QueueStatusPending, domain.QueueStatusInsufficientStock)
	if err != nil {
		return HealthReport{}, fmt.Errorf("open queue: %w", err)
	}

	// queued transactions never reached the ledger, so they only add to
	// the seen side
	seen := activity.Transactions
	for _, q := range open {
		if !q.CreatedAt.Before(since) {
			seen++
		}
	}
	coverage := 1.0
	if seen > 0 {
		coverage = float64(activity.Covered) / float64(seen)
	}

	report := HealthReport{
		StoreID:       storeID,
		Coverage:      coverage,
		Transactions:  seen,
		Covered:       activity.Covered,
		Queue:         counts,
		Items:         levels.Items,
		LowStock:      levels.Low,
		NegativeStock: levels.Negative,
		Window:        m.window,
		SampledAt:     now,
	}

	vars := map[string]any{
		"coverage":           coverage,
		"transactions":       int64(seen),
		"covered":            int64(activity.Covered),
		"pending":            int64(counts[domain.QueueStatusPending]),
		"insufficient_stock": int64(counts[domain.QueueStatusInsufficientStock]),
		"low_stock":          int64(levels.Low),
		"negative_stock":     int64(levels.Negative),
	}
	status, rule, err := m.classify(vars)
	if err != nil {
		return HealthReport{}, err
	}
	report.Status, report.Rule = status, rule

	m.recorder.HealthSampled(report)
	return report, nil
}

func (m *Monitor) classify(vars map[string]any) (HealthStatus, string, error) {
	hit, err := evalRule(m.critical, vars)
	if err != nil {
		return "", "", fmt.Errorf("critical rule: %w", err)
	}
	if hit {
		return HealthCritical, m.cfg.CriticalRule, nil
	}
	hit, err = evalRule(m.warning, vars)
	if err != nil {
		return "", "", fmt.Errorf("warning rule: %w", err)
	}
	if hit {
		return HealthWarning, m.cfg.WarningRule, nil
	}
	return HealthHealthy, "", nil
}

func evalRule(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T", out.Value())
	}
	return hit, nil
}

// Run samples every store immediately and then each interval, handing
// reports to sink until ctx is done.
func (m *Monitor) Run(ctx context.Context, stores []string, interval time.Duration, sink func(HealthReport)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, store := range stores {
			report, err := m.Report(ctx, store)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.logger.Error("health sample failed", zap.String("store_id", store), zap.Error(err))
				continue
			}
			if report.Status != HealthHealthy {
				m.logger.Warn("store health degraded",
					zap.String("store_id", store),
					zap.String("status", string(report.Status)),
					zap.String("rule", report.Rule),
					zap.Float64("coverage", report.Coverage),
				)
			}
			if sink != nil {
				sink(report)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
