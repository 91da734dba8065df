package config

import (
	"reflect"
	"strings"

	"beacon/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured fields for logging. S3 credentials are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Device.ID) != strings.TrimSpace(newCfg.Device.ID) {
		changed = append(changed, "device")
		attrs = append(attrs, logx.String("device.id", strings.TrimSpace(newCfg.Device.ID)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.min_wake", newCfg.Scheduler.MinWake),
			logx.String("scheduler.horizon", newCfg.Scheduler.Horizon),
		)
	}

	if oldCfg.Collectors.Location != newCfg.Collectors.Location {
		l := newCfg.Collectors.Location
		changed = append(changed, "collectors.location")
		attrs = append(attrs,
			logx.Bool("location.enabled", l.Enabled),
			logx.String("location.on", l.On),
			logx.String("location.off", l.Off),
			logx.String("location.authorization", l.Authorization),
		)
	}

	if oldCfg.Collectors.Power != newCfg.Collectors.Power {
		p := newCfg.Collectors.Power
		changed = append(changed, "collectors.power")
		attrs = append(attrs,
			logx.Bool("power.enabled", p.Enabled),
			logx.String("power.on", p.On),
			logx.String("power.off", p.Off),
			logx.String("power.supply", p.Supply),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.dir", newCfg.Storage.Dir),
		)
	}

	if !reflect.DeepEqual(oldCfg.Surveys, newCfg.Surveys) {
		changed = append(changed, "surveys")
		attrs = append(attrs,
			logx.Int("surveys.count", len(newCfg.Surveys.List)),
			logx.String("surveys.timezone", newCfg.Surveys.Timezone),
		)
	}

	if oldCfg.Transfer != newCfg.Transfer {
		t := newCfg.Transfer
		changed = append(changed, "transfer")
		attrs = append(attrs,
			logx.Bool("transfer.enabled", t.Enabled),
			logx.String("transfer.min_interval", t.MinInterval),
			logx.Int("transfer.burst", t.Burst),
			logx.String("transfer.s3.bucket", t.S3.Bucket),
			logx.String("transfer.s3.endpoint", t.S3.Endpoint),
			logx.Bool("transfer.s3.credentials_set", t.S3.AccessKeyID != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	return changed, attrs
}
