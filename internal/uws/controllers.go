package uws

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/opus/internal/common"
)

// Reserved UWS control parameter names. These match case-insensitively on
// the request path; everything else is matched verbatim.
const (
	ParamPhase             = "PHASE"
	ParamAction            = "ACTION"
	ParamRunID             = "RUNID"
	ParamExecutionDuration = "EXECUTIONDURATION"
	ParamDestruction       = "DESTRUCTION"
	ParamQuote             = "QUOTE"
)

// ActionDelete is the reserved ACTION value that asks the enclosing job
// list to destroy the job.
const ActionDelete = "DELETE"

var reservedParameters = map[string]string{
	ParamPhase:             ParamPhase,
	ParamAction:            ParamAction,
	ParamRunID:             ParamRunID,
	ParamExecutionDuration: ParamExecutionDuration,
	ParamDestruction:       ParamDestruction,
	ParamQuote:             ParamQuote,
}

// NormalizeParameterName folds UWS-reserved control parameter names to
// their canonical uppercase form. Other names are returned unchanged.
func NormalizeParameterName(name string) string {
	if canonical, ok := reservedParameters[strings.ToUpper(name)]; ok {
		return canonical
	}
	return name
}

// ParameterController validates and coerces the value of one job parameter.
// Check may coerce (for example clamp a number into range); when it does,
// the returned warning describes the coercion for the client. The job
// argument may be nil for controllers that do not depend on job state.
type ParameterController interface {
	// AllowModification reports whether a client may overwrite the value
	// after job creation.
	AllowModification() bool
	// DefaultValue returns the value used when the parameter is absent.
	DefaultValue(job *Job) (interface{}, bool)
	// Check validates proposed and returns the accepted (possibly coerced)
	// value. A non-empty warning describes a coercion that was applied.
	Check(job *Job, proposed interface{}) (interface{}, string, error)
}

// stringValue renders a raw parameter value as a string.
func stringValue(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// numericValue parses a raw parameter value as a float.
func numericValue(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("not a number: %v", raw)
}

// durationValue parses a raw parameter value as a duration. Strings use the
// UWS unit suffixes (ms, s, m, h, D, W, M, Y); bare numbers are milliseconds.
func durationValue(raw interface{}) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		return common.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("not a duration: %v", raw)
}

// StringController validates a free-text parameter, optionally against an
// anchored regular expression or a list of allowed values.
type StringController struct {
	defaultValue string
	hasDefault   bool
	pattern      *regexp.Regexp
	allowed      []string
	modifiable   bool
}

// NewStringController builds a string controller. pattern, when non-empty,
// is applied as an anchored match; caseSensitive controls its matching mode.
func NewStringController(defaultValue string, hasDefault bool, pattern string, caseSensitive bool, allowed []string, modifiable bool) (*StringController, error) {
	c := &StringController{
		defaultValue: defaultValue,
		hasDefault:   hasDefault,
		allowed:      allowed,
		modifiable:   modifiable,
	}
	if pattern != "" {
		anchored := "^(?:" + pattern + ")$"
		if !caseSensitive {
			anchored = "(?i)" + anchored
		}
		compiled, err := regexp.Compile(anchored)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter pattern %q: %w", pattern, err)
		}
		c.pattern = compiled
	}
	return c, nil
}

func (c *StringController) AllowModification() bool {
	return c.modifiable
}

func (c *StringController) DefaultValue(job *Job) (interface{}, bool) {
	if !c.hasDefault {
		return nil, false
	}
	return c.defaultValue, true
}

func (c *StringController) Check(job *Job, proposed interface{}) (interface{}, string, error) {
	value := stringValue(proposed)
	if c.pattern != nil && !c.pattern.MatchString(value) {
		return nil, "", NewBadParameterError("value %q does not match the expected pattern", value)
	}
	if len(c.allowed) > 0 {
		for _, a := range c.allowed {
			if strings.EqualFold(a, value) {
				return a, "", nil
			}
		}
		return nil, "", NewBadParameterError("value %q is not one of the allowed values %v", value, c.allowed)
	}
	return value, "", nil
}

// NumericController validates a numeric parameter and clamps it into
// [min, max]. Nil bounds are unbounded.
type NumericController struct {
	defaultValue *float64
	min          *float64
	max          *float64
	modifiable   bool
}

func NewNumericController(defaultValue, min, max *float64, modifiable bool) *NumericController {
	return &NumericController{defaultValue: defaultValue, min: min, max: max, modifiable: modifiable}
}

func (c *NumericController) AllowModification() bool {
	return c.modifiable
}

func (c *NumericController) DefaultValue(job *Job) (interface{}, bool) {
	if c.defaultValue == nil {
		return nil, false
	}
	return *c.defaultValue, true
}

func (c *NumericController) Check(job *Job, proposed interface{}) (interface{}, string, error) {
	value, err := numericValue(proposed)
	if err != nil {
		return nil, "", NewBadParameterError("%v", err)
	}
	if c.min != nil && value < *c.min {
		return *c.min, fmt.Sprintf("value %v raised to the minimum %v", value, *c.min), nil
	}
	if c.max != nil && value > *c.max {
		return *c.max, fmt.Sprintf("value %v lowered to the maximum %v", value, *c.max), nil
	}
	return value, "", nil
}

// DurationController validates a duration parameter expressed with the UWS
// unit suffixes. The canonical stored form is non-negative milliseconds.
type DurationController struct {
	defaultMs  *int64
	minMs      *int64
	maxMs      *int64
	modifiable bool
}

func NewDurationController(defaultMs, minMs, maxMs *int64, modifiable bool) *DurationController {
	return &DurationController{defaultMs: defaultMs, minMs: minMs, maxMs: maxMs, modifiable: modifiable}
}

func (c *DurationController) AllowModification() bool {
	return c.modifiable
}

func (c *DurationController) DefaultValue(job *Job) (interface{}, bool) {
	if c.defaultMs == nil {
		return nil, false
	}
	return *c.defaultMs, true
}

func (c *DurationController) Check(job *Job, proposed interface{}) (interface{}, string, error) {
	d, err := durationValue(proposed)
	if err != nil {
		return nil, "", NewBadParameterError("%v", err)
	}
	ms := d.Milliseconds()
	if ms < 0 {
		return nil, "", NewBadParameterError("duration must not be negative")
	}
	if c.minMs != nil && ms < *c.minMs {
		return *c.minMs, fmt.Sprintf("duration %s raised to the minimum %s", common.FormatDurationMs(ms), common.FormatDurationMs(*c.minMs)), nil
	}
	if c.maxMs != nil && ms > *c.maxMs {
		return *c.maxMs, fmt.Sprintf("duration %s lowered to the maximum %s", common.FormatDurationMs(ms), common.FormatDurationMs(*c.maxMs)), nil
	}
	return ms, "", nil
}

// ExecutionDurationController governs the job's execution budget in whole
// seconds. 0 means no limit; when maxSec is set, 0 and anything above it
// are clamped to maxSec.
type ExecutionDurationController struct {
	defaultSec int64
	maxSec     int64
	modifiable bool
}

func NewExecutionDurationController(defaultSec, maxSec int64, modifiable bool) *ExecutionDurationController {
	return &ExecutionDurationController{defaultSec: defaultSec, maxSec: maxSec, modifiable: modifiable}
}

func (c *ExecutionDurationController) AllowModification() bool {
	return c.modifiable
}

func (c *ExecutionDurationController) DefaultValue(job *Job) (interface{}, bool) {
	if c.defaultSec <= 0 && c.maxSec <= 0 {
		return nil, false
	}
	if c.defaultSec > 0 {
		return c.defaultSec, true
	}
	return c.maxSec, true
}

func (c *ExecutionDurationController) Check(job *Job, proposed interface{}) (interface{}, string, error) {
	var seconds int64
	switch v := proposed.(type) {
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			// Fall back to the duration syntax for suffixed values
			d, derr := durationValue(v)
			if derr != nil {
				return nil, "", NewBadParameterError("invalid execution duration %q", v)
			}
			parsed = int64(d.Seconds())
		}
		seconds = parsed
	case time.Duration:
		seconds = int64(v.Seconds())
	default:
		f, err := numericValue(proposed)
		if err != nil {
			return nil, "", NewBadParameterError("invalid execution duration: %v", err)
		}
		seconds = int64(f)
	}

	if seconds < 0 {
		return nil, "", NewBadParameterError("execution duration must not be negative")
	}
	if c.maxSec > 0 && (seconds == 0 || seconds > c.maxSec) {
		return c.maxSec, fmt.Sprintf("execution duration limited to %ds", c.maxSec), nil
	}
	return seconds, "", nil
}

// DestructionTimeController governs the job's destruction instant relative
// to its creation time: the default is creation+defaultInterval and any
// supplied instant is coerced to at most creation+maxInterval.
type DestructionTimeController struct {
	defaultInterval time.Duration
	maxInterval     time.Duration
	modifiable      bool
}

func NewDestructionTimeController(defaultInterval, maxInterval time.Duration, modifiable bool) *DestructionTimeController {
	return &DestructionTimeController{defaultInterval: defaultInterval, maxInterval: maxInterval, modifiable: modifiable}
}

func (c *DestructionTimeController) AllowModification() bool {
	return c.modifiable
}

func (c *DestructionTimeController) DefaultValue(job *Job) (interface{}, bool) {
	if c.defaultInterval <= 0 {
		return nil, false
	}
	creation := time.Now()
	if job != nil {
		creation = job.CreationTime()
	}
	return creation.Add(c.defaultInterval), true
}

func (c *DestructionTimeController) Check(job *Job, proposed interface{}) (interface{}, string, error) {
	var instant time.Time
	switch v := proposed.(type) {
	case time.Time:
		instant = v
	case string:
		parsed, err := parseInstant(v)
		if err != nil {
			return nil, "", NewBadParameterError("invalid destruction time %q: expected an ISO-8601 instant", v)
		}
		instant = parsed
	default:
		return nil, "", NewBadParameterError("invalid destruction time: %v", proposed)
	}

	if c.maxInterval > 0 {
		creation := time.Now()
		if job != nil {
			creation = job.CreationTime()
		}
		latest := creation.Add(c.maxInterval)
		if instant.After(latest) {
			return latest, fmt.Sprintf("destruction time brought forward to %s", latest.Format(time.RFC3339)), nil
		}
	}
	return instant, "", nil
}

// parseInstant accepts the ISO-8601 layouts clients actually send.
func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized instant %q", s)
}

// ControllersFromDefinition builds the controller overlay for one job list
// definition, including the execution duration and destruction time
// controllers derived from the list's limits.
func ControllersFromDefinition(def *common.JobListDefinition) (map[string]ParameterController, error) {
	controllers := make(map[string]ParameterController, len(def.Parameters)+2)

	for _, p := range def.Parameters {
		modifiable := p.Modifiable == nil || *p.Modifiable
		name := NormalizeParameterName(p.Name)
		switch strings.ToLower(p.Type) {
		case "string":
			c, err := NewStringController(p.Default, p.Default != "", p.Regexp, p.CaseSensitive, p.AllowedValues, modifiable)
			if err != nil {
				return nil, err
			}
			controllers[name] = c
		case "numeric":
			var def *float64
			if p.Default != "" {
				f, err := strconv.ParseFloat(p.Default, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid numeric default for parameter %q: %w", p.Name, err)
				}
				def = &f
			}
			controllers[name] = NewNumericController(def, p.Min, p.Max, modifiable)
		case "duration":
			var defMs, minMs, maxMs *int64
			if p.Default != "" {
				ms, err := common.ParseDurationMs(p.Default)
				if err != nil {
					return nil, fmt.Errorf("invalid duration default for parameter %q: %w", p.Name, err)
				}
				defMs = &ms
			}
			if p.Min != nil {
				ms := int64(*p.Min)
				minMs = &ms
			}
			if p.Max != nil {
				ms := int64(*p.Max)
				maxMs = &ms
			}
			controllers[name] = NewDurationController(defMs, minMs, maxMs, modifiable)
		default:
			return nil, fmt.Errorf("unknown parameter type %q for parameter %q", p.Type, p.Name)
		}
	}

	defaultExec, maxExec, err := executionLimits(def)
	if err != nil {
		return nil, err
	}
	if defaultExec > 0 || maxExec > 0 {
		controllers[ParamExecutionDuration] = NewExecutionDurationController(defaultExec, maxExec, true)
	}

	defaultDestruction, maxDestruction, err := destructionLimits(def)
	if err != nil {
		return nil, err
	}
	if defaultDestruction > 0 || maxDestruction > 0 {
		controllers[ParamDestruction] = NewDestructionTimeController(defaultDestruction, maxDestruction, true)
	}

	return controllers, nil
}

func executionLimits(def *common.JobListDefinition) (defaultSec, maxSec int64, err error) {
	if def.DefaultExecutionDuration != "" {
		d, err := common.ParseDuration(def.DefaultExecutionDuration)
		if err != nil {
			return 0, 0, fmt.Errorf("job list %q: %w", def.Name, err)
		}
		defaultSec = int64(d.Seconds())
	}
	if def.MaxExecutionDuration != "" {
		d, err := common.ParseDuration(def.MaxExecutionDuration)
		if err != nil {
			return 0, 0, fmt.Errorf("job list %q: %w", def.Name, err)
		}
		maxSec = int64(d.Seconds())
	}
	return defaultSec, maxSec, nil
}

func destructionLimits(def *common.JobListDefinition) (defaultInterval, maxInterval time.Duration, err error) {
	if def.DefaultDestructionInterval != "" {
		defaultInterval, err = common.ParseDuration(def.DefaultDestructionInterval)
		if err != nil {
			return 0, 0, fmt.Errorf("job list %q: %w", def.Name, err)
		}
	}
	if def.MaxDestructionInterval != "" {
		maxInterval, err = common.ParseDuration(def.MaxDestructionInterval)
		if err != nil {
			return 0, 0, fmt.Errorf("job list %q: %w", def.Name, err)
		}
	}
	return defaultInterval, maxInterval, nil
}
