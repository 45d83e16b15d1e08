package apikey

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(validateAPIKey, APIKey{})
	})
	return validate
}

// Validate checks field constraints before a key is written.
func (k *APIKey) Validate() error {
	err := validatorInstance().Struct(k)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, "; "))
}

// validateAPIKey enforces rules spanning fields: user keys need an owner.
func validateAPIKey(sl validator.StructLevel) {
	k := sl.Current().Interface().(APIKey)
	if k.Type == TypeUser && k.UserEmail == "" {
		sl.ReportError(k.UserEmail, "UserEmail", "UserEmail", "required_for_user", "")
	}
}
