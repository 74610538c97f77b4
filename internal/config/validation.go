package config

import (
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/validation"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	write := func(title string, issues []ValidationError) {
		builder.WriteString(title + "\n")
		for _, issue := range issues {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", issue.Field, issue.Message))
			for _, suggestion := range issue.Suggestions {
				builder.WriteString(fmt.Sprintf("    💡 %s\n", suggestion))
			}
		}
	}

	if len(vr.Errors) > 0 {
		write("❌ Validation Errors:", vr.Errors)
		builder.WriteString("\n")
	}
	if len(vr.Warnings) > 0 {
		write("⚠️  Validation Warnings:", vr.Warnings)
	}

	return builder.String()
}

func (vr *ValidationResult) addError(field string, value interface{}, msg string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, msg string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

var structValidator = newStructValidator()

// newStructValidator reports fields by their config key instead of the Go
// field name.
func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate returns a config error listing every invalid field.
func (c *Config) Validate() error {
	result := ValidateConfigWithDetails(c)
	if !result.HasErrors() {
		return nil
	}

	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field+": "+e.Message)
	}
	return errors.NewConfigError(errors.ErrCodeConfigInvalid,
		"invalid configuration: "+strings.Join(fields, "; "), nil).
		WithContext("errors", len(result.Errors))
}

// ValidateConfigWithDetails performs comprehensive validation with detailed feedback
func ValidateConfigWithDetails(c *Config) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateStruct(c, result)
	validatePaths(c, result)
	validateBuildConfigDetails(&c.Build, result)
	validateProcessConfigDetails(&c.Process, result)
	validatePatterns(c, result)
	validatePluginsConfigDetails(&c.Plugins, result)

	if c.Metrics.Address != "" {
		if err := validateAddress(c.Metrics.Address); err != nil {
			result.addError("metrics.address", c.Metrics.Address, err.Error(),
				"Use host:port, e.g. '127.0.0.1:9090'")
		}
	}

	result.Valid = !result.HasErrors()
	return result
}

func validateStruct(c *Config, result *ValidationResult) {
	err := structValidator.Struct(c)
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !asValidationErrors(err, &fieldErrs) {
		result.addError("config", nil, err.Error())
		return
	}

	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := fmt.Sprintf("failed %q constraint", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
		}
		result.addError(field, fe.Value(), msg)
	}
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fe, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fe
	}
	return ok
}

func validatePaths(c *Config, result *ValidationResult) {
	check := func(field, path string) {
		if path == "" {
			return
		}
		if err := validation.ValidatePath(path); err != nil {
			result.addError(field, path, err.Error(),
				"Use relative paths from the project root",
				"Avoid parent directory references (..)")
		}
	}

	check("root", c.Root)
	check("state_dir", c.StateDir)
	check("build.output", c.Build.Output)
	check("process.dir", c.Process.Dir)
	for i, p := range c.Watch.Paths {
		check(fmt.Sprintf("watch.paths[%d]", i), p)
	}
}

func validateBuildConfigDetails(cfg *BuildConfig, result *ValidationResult) {
	if cfg.Command != "" {
		if err := validateBuildCommand(cfg.Command); err != nil {
			result.addError("build.command", cfg.Command, err.Error(),
				"Use a bare command name such as 'go', 'make' or 'task'",
				"Pass arguments through build.args")
		}
	}

	for i, arg := range cfg.Args {
		if err := validation.ValidateArgument(arg); err != nil {
			result.addError(fmt.Sprintf("build.args[%d]", i), arg, err.Error(),
				"Avoid shell metacharacters in build arguments")
		}
	}
}

func validateProcessConfigDetails(cfg *ProcessConfig, result *ValidationResult) {
	if cfg.Ready.Pattern != "" {
		if _, err := regexp.Compile(cfg.Ready.Pattern); err != nil {
			result.addError("process.ready.pattern", cfg.Ready.Pattern, err.Error(),
				"Use Go regular expression syntax")
		}
	}

	if cfg.Ready.Port > 0 && cfg.Ready.Port < 1024 {
		result.addWarning("process.ready.port", cfg.Ready.Port,
			"port below 1024 requires elevated privileges",
			"Consider using a port above 1024 for development")
	}

	if cfg.StopTimeout > 0 && cfg.Ready.ProbeTimeout > cfg.StopTimeout {
		result.addWarning("process.ready.probe_timeout", cfg.Ready.ProbeTimeout,
			"probe timeout exceeds the stop timeout")
	}
}

func validatePatterns(c *Config, result *ValidationResult) {
	if err := match.Validate(c.Watch.Ignore); err != nil {
		result.addError("watch.ignore", c.Watch.Ignore, err.Error(),
			"Patterns use doublestar syntax, e.g. 'vendor/**' or '**/*.tmp'")
	}
	if err := match.Validate(c.Plugins.LiveReload.AssetPatterns); err != nil {
		result.addError("plugins.livereload.asset_patterns", c.Plugins.LiveReload.AssetPatterns, err.Error(),
			"Patterns use doublestar syntax, e.g. 'static/**/*.css'")
	}
}

func validatePluginsConfigDetails(cfg *PluginsConfig, result *ValidationResult) {
	for _, name := range cfg.Enabled {
		if contains(cfg.Disabled, name) {
			result.addWarning("plugins", name,
				fmt.Sprintf("plugin '%s' is both enabled and disabled; disabled wins", name))
		}
	}

	if err := validateAddress(cfg.LiveReload.Address); err != nil {
		result.addError("plugins.livereload.address", cfg.LiveReload.Address, err.Error(),
			"Use host:port, e.g. '127.0.0.1:35729'")
	}

	for i, f := range cfg.EnvFile.Files {
		if err := validation.ValidatePath(f); err != nil {
			result.addError(fmt.Sprintf("plugins.envfile.files[%d]", i), f, err.Error())
		}
	}
}

// Helper validation functions

func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if strings.ContainsAny(host, ";&|$`()<>\"'\\") {
		return fmt.Errorf("host contains dangerous characters")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("port %q is not in valid range 0-65535", port)
	}
	return nil
}

func validateBuildCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("command cannot be empty")
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", " "}
	for _, char := range dangerousChars {
		if strings.Contains(command, char) {
			return fmt.Errorf("contains potentially dangerous character: %q", char)
		}
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
