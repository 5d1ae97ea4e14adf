package services

import (
	"channel-hub/domain"
	"channel-hub/errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON name
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks a request body before any state is touched.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		return errors.FromValidator(err)
	}
	return nil
}

// validateState rejects user state values that are not scalars.
func validateState(field string, state map[string]any) error {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !domain.IsScalar(state[k]) {
			return errors.NewValidationError(field+"."+k, "scalar")
		}
	}
	return nil
}
