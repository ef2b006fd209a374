package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks caller errors on the write path. Requests failing
// with it are rejected synchronously and nothing is persisted or enqueued.
var ErrValidation = errors.New("schema: validation failed")

// ActivityInput is the caller-supplied form of an activity before
// normalization and persistence.
type ActivityInput struct {
	ComputerID   int64           `json:"computer_id" validate:"required,gt=0"`
	ActivityType string          `json:"activity_type" validate:"required"`
	Details      json.RawMessage `json:"details,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
	URL          string          `json:"url,omitempty" validate:"omitempty,max=2048"`
	ProcessName  string          `json:"process_name,omitempty" validate:"omitempty,max=256"`
	IsBlocked    bool            `json:"is_blocked"`
	RiskScore    *float64        `json:"risk_score,omitempty" validate:"omitempty,gte=0,lte=100"`
	Synced       bool            `json:"synced"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Validator validates activity inputs before they reach the write path.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new input Validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate checks an activity input. All failures wrap ErrValidation so the
// HTTP layer can map them to a 400 without inspecting messages.
func (v *Validator) Validate(input *ActivityInput) error {
	if input == nil {
		return fmt.Errorf("%w: activity data is required", ErrValidation)
	}

	if err := v.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: field %q failed %q", ErrValidation, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if len(input.Details) > 0 && !json.Valid(input.Details) {
		return fmt.Errorf("%w: details must be valid JSON", ErrValidation)
	}

	return nil
}

// ToActivity converts a validated input into a canonical Activity.
// The activity type is normalized and a missing timestamp defaults to now.
func (input *ActivityInput) ToActivity(now time.Time) *Activity {
	ts := input.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return &Activity{
		ComputerID:   input.ComputerID,
		ActivityType: NormalizeActivityType(input.ActivityType),
		Details:      input.Details,
		DurationMs:   input.DurationMs,
		URL:          input.URL,
		ProcessName:  input.ProcessName,
		IsBlocked:    input.IsBlocked,
		RiskScore:    input.RiskScore,
		Synced:       input.Synced,
		Timestamp:    ts.UTC(),
	}
}
