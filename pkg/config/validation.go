package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	lo, hi, err := cfg.Dialect.Range()
	if err != nil {
		return err
	}
	if lo > hi {
		return fmt.Errorf("dialect: min %s is above max %s", lo, hi)
	}
	if cfg.Dialect.ForceSMB1 && cfg.Encryption.Required {
		return errors.New("encryption.required cannot be met with dialect.force_smb1")
	}
	if cfg.Timeouts.Credit > cfg.Timeouts.Response {
		return fmt.Errorf("timeouts: credit wait %s exceeds response timeout %s", cfg.Timeouts.Credit, cfg.Timeouts.Response)
	}
	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
