package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nextstrain/ghcr-prune/pkg/image"
	"github.com/nextstrain/ghcr-prune/pkg/prune"
)

// Logging configures the structured logger
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Config represents the configuration file structure
type Config struct {
	Organization string   `yaml:"organization" validate:"required"`
	Registry     string   `yaml:"registry" validate:"required,hostname_port|hostname"`
	APIURL       string   `yaml:"api_url" validate:"omitempty,url"`
	Packages     []string `yaml:"packages" validate:"required,min=1,unique,dive,required"`

	Resolution image.Mode `yaml:"resolution" validate:"oneof=manifest-list derived-tag none"`
	Platforms  []string   `yaml:"platforms" validate:"required_if=Resolution derived-tag,unique,dive,required"`

	LastTaggedPolicy   prune.Policy  `yaml:"last_tagged_policy" validate:"oneof=keep-one delete-package"`
	RequestTimeout     time.Duration `yaml:"request_timeout" validate:"gt=0"`
	Concurrency        int           `yaml:"concurrency" validate:"gte=1"`
	VerifyTagOwnership bool          `yaml:"verify_tag_ownership"`
	DryRun             bool          `yaml:"dry_run"`

	Logging Logging `yaml:"logging"`
}

// Default returns the configuration used for keys the file leaves out
func Default() Config {
	return Config{
		Registry:         image.DefaultRegistry,
		Resolution:       image.ModeManifestList,
		LastTaggedPolicy: prune.PolicyKeepOne,
		RequestTimeout:   prune.DefaultRequestTimeout,
		Concurrency:      1,
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults. It does not
// validate, so flags can still override the result.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

var validate = newValidator()

// newValidator reports fields by their YAML key
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and reports every invalid key at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// ProcessOptions returns the pruner options for tag
func (c *Config) ProcessOptions(tag string) prune.Options {
	return prune.Options{
		Organization:       c.Organization,
		Packages:           c.Packages,
		Tag:                tag,
		Policy:             c.LastTaggedPolicy,
		RequestTimeout:     c.RequestTimeout,
		Concurrency:        c.Concurrency,
		VerifyTagOwnership: c.VerifyTagOwnership,
		DryRun:             c.DryRun,
	}
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		return fmt.Sprintf("%s is required when resolution is %s", field, image.ModeDerivedTag)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "unique":
		return field + " must not contain duplicates"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
