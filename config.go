// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is shared by every configuration struct in the package; it
// caches struct metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the `validate` struct tags of a configuration value.
//
// Every violation is reported as a [ConfigError] naming the offending field;
// several violations are combined with [errors.Join]. Collaborator packages
// use it to validate their own options the same way steps and jobs are
// validated.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ConfigError{Err: err}
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, &ConfigError{
			Field: fe.Namespace(),
			Err:   fmt.Errorf("failed %q constraint (got %v)", constraint(fe), fe.Value()),
		})
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func constraint(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
