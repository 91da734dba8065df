package app

import (
	"errors"
	"time"

	"beacon/internal/collectors/location"
	"beacon/internal/collectors/power"
	"beacon/internal/config"
	"beacon/internal/services/survey"
	"beacon/internal/services/transfer"
	"beacon/internal/storage"
	"beacon/internal/telemetry"
	"beacon/pkg/logx"
)

// settings is a fully resolved config.
type settings struct {
	scheduler config.SchedulerSettings
	location  config.LocationSettings
	power     config.PowerSettings
	storage   config.StorageSettings
	surveys   config.SurveySettings
	transfer  config.TransferSettings
	metrics   config.MetricsSettings
}

func resolve(cfg *config.Config) (settings, error) {
	var s settings
	var err error
	if cfg == nil {
		return s, errors.New("config is nil")
	}
	if s.scheduler, err = cfg.Scheduler.Resolve(); err != nil {
		return s, err
	}
	if s.location, err = cfg.Collectors.Location.Resolve(); err != nil {
		return s, err
	}
	if s.power, err = cfg.Collectors.Power.Resolve(); err != nil {
		return s, err
	}
	if s.storage, err = cfg.Storage.Resolve(); err != nil {
		return s, err
	}
	if s.surveys, err = cfg.Surveys.Resolve(); err != nil {
		return s, err
	}
	if s.transfer, err = cfg.Transfer.Resolve(); err != nil {
		return s, err
	}
	s.metrics = cfg.Metrics.Resolve()
	return s, nil
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(s config.StorageSettings, now func() time.Time) storage.Config {
	return storage.Config{
		Driver:      s.Driver,
		Dir:         s.Dir,
		BusyTimeout: s.BusyTimeout,
		Now:         now,
	}
}

func mapGPSD(s config.LocationSettings) location.GPSDConfig {
	return location.GPSDConfig{
		Addr:       s.GPSDAddr,
		Reconnect:  s.Reconnect,
		Permission: location.ParsePermission(s.Authorization),
	}
}

func mapPower(s config.PowerSettings) power.Config {
	return power.Config{
		SysfsRoot: s.SysfsRoot,
		Supply:    s.Supply,
		Interval:  s.Interval,
	}
}

func mapSurveys(s config.SurveySettings) []survey.Definition {
	out := make([]survey.Definition, 0, len(s.List))
	for _, d := range s.List {
		out = append(out, survey.Definition{ID: d.ID, Schedule: d.Schedule})
	}
	return out
}

func mapTransfer(s config.TransferSettings, deviceID string) transfer.Config {
	return transfer.Config{
		Enabled:     s.Enabled,
		MinInterval: s.MinInterval,
		Burst:       s.Burst,
		DeviceID:    deviceID,
		Prefix:      s.S3.Prefix,
	}
}

func mapS3(s config.TransferSettings) transfer.S3Config {
	return transfer.S3Config{
		Bucket:          s.S3.Bucket,
		Region:          s.S3.Region,
		Endpoint:        s.S3.Endpoint,
		AccessKeyID:     s.S3.AccessKeyID,
		SecretAccessKey: s.S3.SecretAccessKey,
		UsePathStyle:    s.S3.UsePathStyle,
	}
}

func mapMetrics(s config.MetricsSettings) telemetry.ServerConfig {
	return telemetry.ServerConfig{Enabled: s.Enabled, Addr: s.Addr, Pprof: s.Pprof}
}
