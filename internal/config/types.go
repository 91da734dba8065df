package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Device     DeviceConfig     `json:"device"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Collectors CollectorsConfig `json:"collectors"`
	Storage    StorageConfig    `json:"storage"`
	Surveys    SurveysConfig    `json:"surveys"`
	Transfer   TransferConfig   `json:"transfer"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DeviceConfig identifies this device in uploaded object keys.
// An empty id is replaced by a generated one at startup.
type DeviceConfig struct {
	ID string `json:"id,omitempty"`
}

// SchedulerConfig tunes the duty-cycle scheduler.
//
// Defaults:
//   - min_wake: "1s" (also the floor)
//   - horizon: "1h"
type SchedulerConfig struct {
	MinWake string `json:"min_wake,omitempty"`
	Horizon string `json:"horizon,omitempty"`
}

type CollectorsConfig struct {
	Location LocationConfig `json:"location"`
	Power    PowerConfig    `json:"power"`
}

// LocationConfig configures the gpsd-backed location collector.
//
// On/Off are the duty-cycle durations; off "0s" keeps it on forever once
// started. Authorization models the platform permission for background
// location: always, when_in_use or denied.
type LocationConfig struct {
	Enabled       bool   `json:"enabled"`
	On            string `json:"on,omitempty"`
	Off           string `json:"off,omitempty"`
	Authorization string `json:"authorization,omitempty"`
	GPSDAddr      string `json:"gpsd_addr,omitempty"`
	Reconnect     string `json:"reconnect,omitempty"`
}

// PowerConfig configures the power-supply collector.
type PowerConfig struct {
	Enabled   bool   `json:"enabled"`
	On        string `json:"on,omitempty"`
	Off       string `json:"off,omitempty"`
	Interval  string `json:"interval,omitempty"`
	SysfsRoot string `json:"sysfs_root,omitempty"`
	Supply    string `json:"supply,omitempty"`
}

// StorageConfig selects the sample sink driver.
//
// Driver is csv (default) or sqlite. For sqlite, Dir holds beacon.db.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Dir         string `json:"dir,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SurveysConfig struct {
	Timezone string            `json:"timezone,omitempty"`
	List     []SurveyDefConfig `json:"list,omitempty"`
}

// SurveyDefConfig is one survey: Schedule is a cron spec, a descriptor
// (@hourly, @every 30m), a duration (45m) or an HH:MM interval (01:30).
type SurveyDefConfig struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
}

type TransferConfig struct {
	Enabled     bool     `json:"enabled"`
	MinInterval string   `json:"min_interval,omitempty"`
	Burst       int      `json:"burst,omitempty"`
	S3          S3Config `json:"s3"`
}

type S3Config struct {
	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
