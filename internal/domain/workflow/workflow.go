package workflow

import (
	"errors"
	"fmt"
	"time"
)

// Workflow lifecycle states. Only published workflows are triggerable.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusPaused    = "paused"
)

// Step kinds.
const (
	StepTypeAction    = "action"
	StepTypeCondition = "condition"
	StepTypeDelay     = "delay"
)

// Recognized trigger types. Webhook payloads from the CRM are mapped onto
// these by the trigger service.
const (
	TriggerManual           = "manual"
	TriggerWebhook          = "webhook"
	TriggerContactCreated   = "contact_created"
	TriggerTagAdded         = "tag_added"
	TriggerTagRemoved       = "tag_removed"
	TriggerOpportunityStage = "opportunity_stage_changed"
	TriggerFormSubmitted    = "form_submitted"
	TriggerSchedule         = "schedule"
)

var ErrInvalidStep = errors.New("invalid step")

type Workflow struct {
	ID            string                 `json:"id" gorm:"primaryKey"`
	Name          string                 `json:"name" gorm:"not null"`
	Description   string                 `json:"description"`
	Status        string                 `json:"status" gorm:"default:'draft';index"`
	TriggerType   string                 `json:"triggerType" gorm:"index"`
	TriggerConfig map[string]interface{} `json:"triggerConfig" gorm:"serializer:json"`
	LocationID    string                 `json:"locationId" gorm:"index"`
	Steps         []Step                 `json:"steps,omitempty" gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

type Step struct {
	ID         string                 `json:"id" gorm:"primaryKey"`
	WorkflowID string                 `json:"workflowId" gorm:"not null;index"`
	StepType   string                 `json:"stepType" gorm:"not null"`
	ActionType string                 `json:"actionType"`
	Config     map[string]interface{} `json:"config" gorm:"serializer:json"`
	Label      string                 `json:"label"`
	// Position is authoring order, not execution order. The lowest position
	// is the entry point of the step graph.
	Position int `json:"position"`

	// Outgoing edges. Condition steps use the two branch edges; everything
	// else uses NextStepID. Null means terminal.
	NextStepID        *string `json:"nextStepId"`
	TrueBranchStepID  *string `json:"trueBranchStepId"`
	FalseBranchStepID *string `json:"falseBranchStepId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Workflow) TableName() string { return "workflows" }
func (Step) TableName() string     { return "workflow_steps" }

func (w *Workflow) IsPublished() bool {
	return w.Status == StatusPublished
}

// Validate checks a step definition at creation time, so malformed steps are
// rejected before a run ever reaches them.
func (s *Step) Validate() error {
	switch s.StepType {
	case StepTypeAction:
		if s.ActionType == "" {
			return fmt.Errorf("%w: action step requires action_type", ErrInvalidStep)
		}
	case StepTypeCondition:
		if s.Config != nil {
			if conds, ok := s.Config["conditions"]; ok {
				if _, isList := conds.([]interface{}); !isList {
					return fmt.Errorf("%w: conditions must be a list", ErrInvalidStep)
				}
			}
		}
	case StepTypeDelay:
		for _, key := range []string{"seconds", "minutes", "hours"} {
			raw, ok := s.Config[key]
			if !ok {
				continue
			}
			value, ok := toFloat(raw)
			if !ok {
				return fmt.Errorf("%w: delay %s must be numeric", ErrInvalidStep, key)
			}
			if value < 0 {
				return fmt.Errorf("%w: delay %s must not be negative", ErrInvalidStep, key)
			}
		}
	default:
		return fmt.Errorf("%w: unknown step type %q", ErrInvalidStep, s.StepType)
	}
	return nil
}

// DefaultLabel derives a human-readable label from the step kind.
func (s *Step) DefaultLabel() string {
	switch s.StepType {
	case StepTypeCondition:
		return "If/Else"
	case StepTypeDelay:
		return "Wait"
	}
	if s.ActionType != "" {
		label := ""
		for i, part := range splitWords(s.ActionType) {
			if i > 0 {
				label += " "
			}
			label += titleCase(part)
		}
		return label
	}
	return titleCase(s.StepType)
}

func splitWords(s string) []string {
	var words []string
	current := ""
	for _, r := range s {
		if r == '_' {
			if current != "" {
				words = append(words, current)
				current = ""
			}
			continue
		}
		current += string(r)
	}
	if current != "" {
		words = append(words, current)
	}
	return words
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	first := s[0]
	if first >= 'a' && first <= 'z' {
		first -= 'a' - 'A'
	}
	return string(first) + s[1:]
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
