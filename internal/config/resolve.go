package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a field is omitted.
const (
	DefaultMinWake         = 1 * time.Second
	DefaultHorizon         = 1 * time.Hour
	DefaultGPSDAddr        = "127.0.0.1:2947"
	DefaultReconnect       = 5 * time.Second
	DefaultLocationOn      = 5 * time.Minute
	DefaultLocationOff     = 10 * time.Minute
	DefaultPowerOn         = 1 * time.Minute
	DefaultPowerOff        = 14 * time.Minute
	DefaultPowerInterval   = 10 * time.Second
	DefaultSysfsRoot       = "/sys/class/power_supply"
	DefaultSupply          = "BAT0"
	DefaultStorageDir      = "./data"
	DefaultBusyTimeout     = 1 * time.Second
	DefaultTransferEvery   = 5 * time.Minute
	DefaultTransferBurst   = 1
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultAuthorization   = AuthAlways
	StorageDriverCSV       = "csv"
	StorageDriverSQLite    = "sqlite"
	defaultSurveyTimezone  = "Local"
	maxSurveyIDLen         = 64
	minTransferMinInterval = 1 * time.Second
)

// Location authorization levels.
const (
	AuthAlways    = "always"
	AuthWhenInUse = "when_in_use"
	AuthDenied    = "denied"
)

type SchedulerSettings struct {
	MinWake time.Duration
	Horizon time.Duration
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	minWake, err := ParseDurationOrDefault("scheduler.min_wake", c.MinWake, DefaultMinWake)
	if err != nil {
		return SchedulerSettings{}, err
	}
	if minWake < DefaultMinWake {
		return SchedulerSettings{}, fmt.Errorf("scheduler.min_wake must be >= %s", DefaultMinWake)
	}
	horizon, err := ParseDurationOrDefault("scheduler.horizon", c.Horizon, DefaultHorizon)
	if err != nil {
		return SchedulerSettings{}, err
	}
	if horizon < minWake {
		return SchedulerSettings{}, errors.New("scheduler.horizon must be >= scheduler.min_wake")
	}
	return SchedulerSettings{MinWake: minWake, Horizon: horizon}, nil
}

type LocationSettings struct {
	Enabled       bool
	On, Off       time.Duration
	Authorization string
	GPSDAddr      string
	Reconnect     time.Duration
}

func (c LocationConfig) Resolve() (LocationSettings, error) {
	s := LocationSettings{Enabled: c.Enabled}
	var err error
	if s.On, err = ParseDurationOrDefault("collectors.location.on", c.On, DefaultLocationOn); err != nil {
		return s, err
	}
	if s.Off, err = ParseDurationKeepZero("collectors.location.off", c.Off, DefaultLocationOff); err != nil {
		return s, err
	}
	if s.Reconnect, err = ParseDurationOrDefault("collectors.location.reconnect", c.Reconnect, DefaultReconnect); err != nil {
		return s, err
	}
	s.Authorization = strings.ToLower(strings.TrimSpace(c.Authorization))
	switch s.Authorization {
	case "":
		s.Authorization = DefaultAuthorization
	case AuthAlways, AuthWhenInUse, AuthDenied:
	default:
		return s, fmt.Errorf("collectors.location.authorization: unknown value %q", c.Authorization)
	}
	s.GPSDAddr = strings.TrimSpace(c.GPSDAddr)
	if s.GPSDAddr == "" {
		s.GPSDAddr = DefaultGPSDAddr
	}
	return s, nil
}

type PowerSettings struct {
	Enabled   bool
	On, Off   time.Duration
	Interval  time.Duration
	SysfsRoot string
	Supply    string
}

func (c PowerConfig) Resolve() (PowerSettings, error) {
	s := PowerSettings{Enabled: c.Enabled}
	var err error
	if s.On, err = ParseDurationOrDefault("collectors.power.on", c.On, DefaultPowerOn); err != nil {
		return s, err
	}
	if s.Off, err = ParseDurationKeepZero("collectors.power.off", c.Off, DefaultPowerOff); err != nil {
		return s, err
	}
	if s.Interval, err = ParseDurationOrDefault("collectors.power.interval", c.Interval, DefaultPowerInterval); err != nil {
		return s, err
	}
	if s.Interval < time.Second {
		return s, errors.New("collectors.power.interval must be >= 1s")
	}
	s.SysfsRoot = strings.TrimSpace(c.SysfsRoot)
	if s.SysfsRoot == "" {
		s.SysfsRoot = DefaultSysfsRoot
	}
	s.Supply = strings.TrimSpace(c.Supply)
	if s.Supply == "" {
		s.Supply = DefaultSupply
	}
	if strings.ContainsAny(s.Supply, `/\`) {
		return s, fmt.Errorf("collectors.power.supply: invalid name %q", c.Supply)
	}
	return s, nil
}

type StorageSettings struct {
	Driver      string
	Dir         string
	BusyTimeout time.Duration
}

func (c StorageConfig) Resolve() (StorageSettings, error) {
	s := StorageSettings{}
	s.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch s.Driver {
	case "", StorageDriverCSV:
		s.Driver = StorageDriverCSV
	case StorageDriverSQLite, "sqlite3":
		s.Driver = StorageDriverSQLite
	default:
		return s, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
	s.Dir = strings.TrimSpace(c.Dir)
	if s.Dir == "" {
		s.Dir = DefaultStorageDir
	}
	var err error
	if s.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, DefaultBusyTimeout); err != nil {
		return s, err
	}
	return s, nil
}

type SurveySettings struct {
	Location *time.Location
	List     []SurveyDefConfig
}

// Resolve checks ids and loads the timezone. Schedules are parsed by the
// survey service.
func (c SurveysConfig) Resolve() (SurveySettings, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = defaultSurveyTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return SurveySettings{}, fmt.Errorf("surveys.timezone: %w", err)
	}
	seen := make(map[string]struct{}, len(c.List))
	out := make([]SurveyDefConfig, 0, len(c.List))
	for i, d := range c.List {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return SurveySettings{}, fmt.Errorf("surveys.list[%d].id is required", i)
		}
		if len(id) > maxSurveyIDLen {
			return SurveySettings{}, fmt.Errorf("surveys.list[%d].id too long", i)
		}
		if _, dup := seen[id]; dup {
			return SurveySettings{}, fmt.Errorf("surveys.list[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(d.Schedule) == "" {
			return SurveySettings{}, fmt.Errorf("surveys.list[%d].schedule is required", i)
		}
		out = append(out, SurveyDefConfig{ID: id, Schedule: strings.TrimSpace(d.Schedule)})
	}
	return SurveySettings{Location: loc, List: out}, nil
}

type TransferSettings struct {
	Enabled     bool
	MinInterval time.Duration
	Burst       int
	S3          S3Config
}

func (c TransferConfig) Resolve() (TransferSettings, error) {
	s := TransferSettings{Enabled: c.Enabled, Burst: c.Burst, S3: c.S3}
	var err error
	if s.MinInterval, err = ParseDurationOrDefault("transfer.min_interval", c.MinInterval, DefaultTransferEvery); err != nil {
		return s, err
	}
	if s.MinInterval < minTransferMinInterval {
		return s, fmt.Errorf("transfer.min_interval must be >= %s", minTransferMinInterval)
	}
	if s.Burst < 0 {
		return s, errors.New("transfer.burst must be >= 0")
	}
	if s.Burst == 0 {
		s.Burst = DefaultTransferBurst
	}
	s.S3.Bucket = strings.TrimSpace(s.S3.Bucket)
	s.S3.Prefix = strings.Trim(strings.TrimSpace(s.S3.Prefix), "/")
	if s.Enabled && s.S3.Bucket == "" {
		return s, errors.New("transfer.s3.bucket is required when transfer.enabled=true")
	}
	if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
		return s, errors.New("transfer.s3: access_key_id and secret_access_key must be set together")
	}
	return s, nil
}

type MetricsSettings struct {
	Enabled bool
	Addr    string
	Pprof   bool
}

func (c MetricsConfig) Resolve() MetricsSettings {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultMetricsAddr
	}
	return MetricsSettings{Enabled: c.Enabled, Addr: addr, Pprof: c.Pprof}
}

// Validate resolves every section and returns the first error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := cfg.Scheduler.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Collectors.Location.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Collectors.Power.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Storage.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Surveys.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Transfer.Resolve(); err != nil {
		return err
	}
	return nil
}
