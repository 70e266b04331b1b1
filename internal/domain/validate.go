package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags and converts failures into a ValidationError with per-field details.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return Validation("invalid input").Wrap(err)
	}
	out := Validation("validation failed")
	for _, fe := range fieldErrs {
		out.WithDetail(fieldPath(fe), fieldMessage(fe))
	}
	return out
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// NewWorkstation is the administrative input for registering a workstation.
type NewWorkstation struct {
	Name               string      `json:"name" validate:"required,min=1,max=100"`
	Description        string      `json:"description"`
	Location           string      `json:"location"`
	Capabilities       []string    `json:"capabilities" validate:"dive,required"`
	Equipment          []Equipment `json:"equipment" validate:"dive"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks" validate:"gte=1"`
	Endpoint           string      `json:"api_endpoint" validate:"required,url"`
	APIKey             string      `json:"api_key"`
	CommandTimeout     int         `json:"connection_timeout" validate:"gte=1"`
}

// Normalize applies defaults and removes duplicate capabilities, keeping first-seen order.
func (n *NewWorkstation) Normalize() {
	n.Name = strings.TrimSpace(n.Name)
	if n.MaxConcurrentTasks == 0 {
		n.MaxConcurrentTasks = 1
	}
	if n.CommandTimeout == 0 {
		n.CommandTimeout = int(DefaultCommandTimeout / time.Second)
	}
	n.Capabilities = OrderedSet(n.Capabilities)
}

// WorkstationUpdate carries optional administrative changes. Nil fields are left alone.
type WorkstationUpdate struct {
	Name               *string            `json:"name" validate:"omitempty,min=1,max=100"`
	Description        *string            `json:"description"`
	Location           *string            `json:"location"`
	Capabilities       []string           `json:"capabilities" validate:"omitempty,dive,required"`
	Equipment          []Equipment        `json:"equipment" validate:"omitempty,dive"`
	MaxConcurrentTasks *int               `json:"max_concurrent_tasks" validate:"omitempty,gte=1"`
	Endpoint           *string            `json:"api_endpoint" validate:"omitempty,url"`
	APIKey             *string            `json:"api_key"`
	CommandTimeout     *int               `json:"connection_timeout" validate:"omitempty,gte=1"`
	IsActive           *bool              `json:"is_active"`
	Status             *WorkstationStatus `json:"status"`
}

// NewTask is the input for creating a task against one workstation.
type NewTask struct {
	Name              string     `json:"name" validate:"required,min=1,max=200"`
	Description       string     `json:"description"`
	WorkstationID     string     `json:"workstation_id" validate:"required"`
	RecipeID          string     `json:"recipe_id"`
	ExperimentID      string     `json:"experiment_id"`
	Priority          Priority   `json:"priority"`
	Commands          []Command  `json:"commands" validate:"required,min=1,dive"`
	ScheduledTime     *time.Time `json:"scheduled_time"`
	EstimatedDuration int        `json:"estimated_duration" validate:"gte=0"`
	MaxRetries        *int       `json:"max_retries" validate:"omitempty,gte=0,lte=100"`
}

// Normalize applies defaults before validation.
func (n *NewTask) Normalize() {
	n.Name = strings.TrimSpace(n.Name)
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.MaxRetries == nil {
		n.MaxRetries = Ptr(DefaultMaxRetries)
	}
	for i := range n.Commands {
		n.Commands[i].Action = strings.TrimSpace(n.Commands[i].Action)
	}
}

// OrderedSet drops empty and duplicate entries, keeping the first occurrence order.
func OrderedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
