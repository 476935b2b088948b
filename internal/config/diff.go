package config

import (
	"reflect"
	"slices"

	logx "taskbeat/pkg/logx"
)

// HotSections are applied without restart.
var HotSections = []string{"logging"}

// ChangedSections lists the top-level sections that differ between old
// and new, plus safe log attrs. DSNs and URLs are never logged.
func ChangedSections(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs, logx.String("broker.driver", newCfg.Broker.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs, logx.Int("worker.concurrency", newCfg.Worker.Concurrency))
	}
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
	}
	if !reflect.DeepEqual(oldCfg.Beat, newCfg.Beat) {
		changed = append(changed, "beat")
	}
	if !reflect.DeepEqual(oldCfg.Client, newCfg.Client) {
		changed = append(changed, "client")
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.enabled", newCfg.Events.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.enabled", newCfg.Admin.Enabled), logx.Bool("admin.token_set", newCfg.Admin.Token != ""))
	}
	if !reflect.DeepEqual(oldCfg.Recurring, newCfg.Recurring) {
		changed = append(changed, "recurring")
		attrs = append(attrs, logx.Int("recurring.count", len(newCfg.Recurring)))
	}
	return changed, attrs
}

// NeedsRestart reports whether any changed section is not hot-reloadable.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		if !slices.Contains(HotSections, s) {
			return true
		}
	}
	return false
}
