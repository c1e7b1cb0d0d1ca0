package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate *validator.Validate

// ErrInvalidSchedule is returned for anything but a plain 5-field UTC expression.
var ErrInvalidSchedule = errors.New("schedule must be a 5-field cron expression")

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := ParseSchedule(fl.Field().String())
		return err == nil
	})
}

// ParseSchedule parses minute hour day month weekday. Descriptors and
// timezone prefixes are rejected, schedules are always evaluated in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, ErrInvalidSchedule
	}
	for _, f := range fields {
		if strings.ContainsAny(f, "=@") {
			return nil, ErrInvalidSchedule
		}
	}
	sched, err := cron.ParseStandard(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return sched, nil
}
