package plan

import "github.com/aidekit/aide/internal/db"

// PlanPatch carries the fields of a partial plan update. Nil fields are
// left untouched.
type PlanPatch struct {
	Name          *string
	Goal          *string
	Status        *db.PlanStatus
	Priority      *int
	AutonomyLevel *string
	MaxRetries    *int
	RetryCount    *int
	TimeoutMs     *int64
	Checkpoint    *string
}

// Empty reports whether the patch changes nothing.
func (p PlanPatch) Empty() bool {
	return p.Name == nil && p.Goal == nil && p.Status == nil && p.Priority == nil &&
		p.AutonomyLevel == nil && p.MaxRetries == nil && p.RetryCount == nil &&
		p.TimeoutMs == nil && p.Checkpoint == nil
}

// StepPatch carries the fields of a partial step update. Nil fields are
// left untouched.
type StepPatch struct {
	Name         *string
	OrderNum     *int
	Status       *db.StepStatus
	Config       map[string]any
	Dependencies *[]string
	RetryCount   *int
	MaxRetries   *int
	OnSuccess    *string
	OnFailure    *string
	Error        *string
}

// Empty reports whether the patch changes nothing.
func (p StepPatch) Empty() bool {
	return p.Name == nil && p.OrderNum == nil && p.Status == nil && p.Config == nil &&
		p.Dependencies == nil && p.RetryCount == nil && p.MaxRetries == nil &&
		p.OnSuccess == nil && p.OnFailure == nil && p.Error == nil
}
