package health

import (
	"context"
	"fmt"
	"time"

	"wis2sub/internal/intake"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]Checker, 0),
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	allHealthy := true

	for _, checker := range r.checkers {
		err := checker.Check(ctx)
		result := CheckResult{
			Timestamp: time.Now(),
		}

		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			allHealthy = false
		} else {
			result.Status = StatusHealthy
		}

		results[checker.Name()] = result
	}

	overallStatus := StatusHealthy
	if !allHealthy {
		overallStatus = StatusUnhealthy
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// SessionChecker reports the subscription session as healthy only while it
// is actively subscribed or still connecting.
type SessionChecker struct {
	pipeline *intake.Pipeline
}

func NewSessionChecker(p *intake.Pipeline) *SessionChecker {
	return &SessionChecker{pipeline: p}
}

func (c *SessionChecker) Name() string {
	return "broker_session"
}

func (c *SessionChecker) Check(_ context.Context) error {
	state := c.pipeline.State()
	switch state {
	case intake.StateSubscribed, intake.StateConnecting:
		return nil
	default:
		return fmt.Errorf("session is %s", state)
	}
}
