package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	HoursFixed    = "fixed"
	HoursRecorded = "recorded"
)

// Config models rota.yml.
type Config struct {
	Home struct {
		Name     string `yaml:"name" validate:"required"`
		Unit     string `yaml:"unit" validate:"required"`
		Timezone string `yaml:"timezone"`
	} `yaml:"home"`
	ShiftTypes map[string]ShiftType `yaml:"shift_types" validate:"required,min=1,dive"`
	Rules      []RuleConfig         `yaml:"rules" validate:"required,min=1,dive"`
	Thresholds Thresholds           `yaml:"thresholds"`
	Alerts     struct {
		AutoCreate  bool `yaml:"auto_create"`
		TTLHours    int  `yaml:"ttl_hours" validate:"min=1"`
		InviteLimit int  `yaml:"invite_limit" validate:"min=0"`
	} `yaml:"alerts"`
	Notifications Notifications `yaml:"notifications"`
}

type ShiftType struct {
	Category string `yaml:"category" validate:"required,oneof=DAY NIGHT"`
	Start    string `yaml:"start" validate:"required,datetime=15:04"`
	End      string `yaml:"end" validate:"required,datetime=15:04"`
}

type RuleConfig struct {
	Code        string `yaml:"code" validate:"required"`
	Name        string `yaml:"name" validate:"required"`
	Category    string `yaml:"category" validate:"required"`
	Severity    string `yaml:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Active      *bool  `yaml:"active"`
	Description string `yaml:"description"`
}

// IsActive defaults to true when unset.
func (r RuleConfig) IsActive() bool {
	return r.Active == nil || *r.Active
}

type Thresholds struct {
	WorkingTime struct {
		WindowWeeks     int     `yaml:"window_weeks" validate:"min=1"`
		MaxAverageHours float64 `yaml:"max_average_hours" validate:"gt=0"`
		HoursSource     string  `yaml:"hours_source" validate:"oneof=fixed recorded"`
		FixedShiftHours float64 `yaml:"fixed_shift_hours" validate:"gt=0,lte=24"`
	} `yaml:"working_time"`
	Rest struct {
		MinDailyRestHours float64 `yaml:"min_daily_rest_hours" validate:"gt=0"`
		MaxWorkingDays    int     `yaml:"max_working_days" validate:"min=1,max=6"`
	} `yaml:"rest"`
	Staffing struct {
		DayMinimum     int    `yaml:"day_minimum" validate:"min=1"`
		NightMinimum   int    `yaml:"night_minimum" validate:"min=1"`
		DayShiftType   string `yaml:"day_shift_type" validate:"required"`
		NightShiftType string `yaml:"night_shift_type" validate:"required"`
	} `yaml:"staffing"`
}

type Notifications struct {
	IntervalSeconds int             `yaml:"interval_seconds" validate:"min=0"`
	BatchSize       int             `yaml:"batch_size" validate:"min=0"`
	Webhooks        []WebhookConfig `yaml:"webhooks" validate:"dive"`
	Redis           *RedisConfig    `yaml:"redis"`
	MQTT            *MQTTConfig     `yaml:"mqtt"`
}

type WebhookConfig struct {
	Name           string   `yaml:"name" validate:"required"`
	URL            string   `yaml:"url" validate:"required,url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"min=0"`
}

type RedisConfig struct {
	Addr     string   `yaml:"addr" validate:"required"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Stream   string   `yaml:"stream" validate:"required"`
	MaxLen   int64    `yaml:"max_len"`
	Events   []string `yaml:"events"`
}

type MQTTConfig struct {
	Broker      string   `yaml:"broker" validate:"required"`
	ClientID    string   `yaml:"client_id" validate:"required"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix" validate:"required"`
	QoS         byte     `yaml:"qos" validate:"max=2"`
	Events      []string `yaml:"events"`
}

var validate = validator.New()

// Validate checks struct constraints then the cross references between
// rules, shift types and staffing thresholds.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s fails %s", strings.ToLower(fe.Namespace()), fe.Tag())
		}
		return err
	}
	seen := map[string]bool{}
	for _, r := range c.Rules {
		if seen[r.Code] {
			return fmt.Errorf("config.rules has duplicate code %s", r.Code)
		}
		seen[r.Code] = true
	}
	st := c.Thresholds.Staffing
	if t, ok := c.ShiftTypes[st.DayShiftType]; !ok || t.Category != "DAY" {
		return fmt.Errorf("staffing.day_shift_type %s must name a DAY shift type", st.DayShiftType)
	}
	if t, ok := c.ShiftTypes[st.NightShiftType]; !ok || t.Category != "NIGHT" {
		return fmt.Errorf("staffing.night_shift_type %s must name a NIGHT shift type", st.NightShiftType)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("home.timezone: %w", err)
	}
	names := map[string]bool{}
	for _, w := range c.Notifications.Webhooks {
		if names[w.Name] {
			return fmt.Errorf("notifications.webhooks has duplicate name %s", w.Name)
		}
		names[w.Name] = true
	}
	return nil
}

// Location resolves home.timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Home.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Home.Timezone)
}

// ShiftCategory returns DAY or NIGHT for a known shift type.
func (c *Config) ShiftCategory(shiftType string) (string, bool) {
	t, ok := c.ShiftTypes[shiftType]
	if !ok {
		return "", false
	}
	return t.Category, true
}

// ActiveRuleCodes lists the codes of active rules in declaration order.
func (c *Config) ActiveRuleCodes() []string {
	var codes []string
	for _, r := range c.Rules {
		if r.IsActive() {
			codes = append(codes, r.Code)
		}
	}
	return codes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rota.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rota init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(homeName string) string {
	return fmt.Sprintf(defaultTemplate, homeName)
}

// Default returns the default Config for a home.
func Default(homeName string) *Config {
	if homeName == "" {
		homeName = "care-home"
	}
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(homeName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `home:
  name: %s
  unit: HOME
  timezone: UTC

shift_types:
  DAY:
    category: DAY
    start: "08:00"
    end: "20:00"
  NIGHT:
    category: NIGHT
    start: "20:00"
    end: "08:00"

rules:
  - code: WTD_WEEKLY_AVERAGE
    name: Working Time Directive 48h average
    category: WORKING_TIME
    severity: HIGH
    description: Average weekly hours over the reference period must not exceed the limit
  - code: DAILY_REST_11H
    name: Daily rest of 11 hours
    category: REST
    severity: HIGH
    description: Consecutive shifts must be separated by the minimum daily rest
  - code: WEEKLY_REST_DAY
    name: Weekly rest day
    category: REST
    severity: MEDIUM
    description: Staff must have at least one day off in every seven
  - code: MIN_STAFF_DAY
    name: Minimum day staffing
    category: STAFFING
    severity: CRITICAL
    description: Day shifts must meet the minimum head count
  - code: MIN_STAFF_NIGHT
    name: Minimum night staffing
    category: STAFFING
    severity: CRITICAL
    description: Night shifts must meet the minimum head count
  - code: LEAVE_COVERAGE
    name: Leave coverage
    category: LEAVE
    severity: MEDIUM
    description: Approved leave must not leave the day under-covered

thresholds:
  working_time:
    window_weeks: 17
    max_average_hours: 48
    hours_source: fixed
    fixed_shift_hours: 12
  rest:
    min_daily_rest_hours: 11
    max_working_days: 6
  staffing:
    day_minimum: 17
    night_minimum: 17
    day_shift_type: DAY
    night_shift_type: NIGHT

alerts:
  auto_create: true
  ttl_hours: 48
  invite_limit: 25

notifications:
  interval_seconds: 5
  batch_size: 100
`
