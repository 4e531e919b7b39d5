package config

import (
	"reflect"
	"sort"
	"strings"

	logx "promptq/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. API keys never appear in the output (the
// config only ever holds env var names, but the attrs stay coarse anyway).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if names := diffKeys(oldCfg.Models, newCfg.Models); len(names) > 0 {
		changed = append(changed, "models")
		attrs = append(attrs,
			logx.Int("models.changed_count", len(names)),
			logx.String("models.changed", strings.Join(names, ",")),
		)
	}

	if names := diffKeys(oldCfg.Prompts, newCfg.Prompts); len(names) > 0 {
		changed = append(changed, "prompts")
		attrs = append(attrs,
			logx.Int("prompts.changed_count", len(names)),
			logx.String("prompts.changed", strings.Join(names, ",")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Run, newCfg.Run) {
		changed = append(changed, "run")
		attrs = append(attrs,
			logx.Int("run.jobs", newCfg.Run.Jobs),
			logx.Bool("run.allow_reordering", newCfg.Run.AllowReordering),
			logx.Float64("run.allowed_failure_rate", newCfg.Run.EffectiveAllowedFailureRate()),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimits, newCfg.RateLimits) {
		changed = append(changed, "rate_limits")
		attrs = append(attrs, logx.Int("rate_limits.count", len(newCfg.RateLimits)))
	}

	oldH, newH := oldCfg.History, newCfg.History
	if (oldH == nil) != (newH == nil) || (oldH != nil && !reflect.DeepEqual(*oldH, *newH)) {
		changed = append(changed, "history")
		if newH != nil {
			attrs = append(attrs,
				logx.Bool("history.enabled", newH.Enabled),
				logx.Bool("history.path_set", strings.TrimSpace(newH.Path) != ""),
			)
		}
	}

	oldW, newW := oldCfg.Watch, newCfg.Watch
	if (oldW == nil) != (newW == nil) || (oldW != nil && !reflect.DeepEqual(*oldW, *newW)) {
		changed = append(changed, "watch")
		if newW != nil {
			attrs = append(attrs,
				logx.Bool("watch.enabled", newW.Enabled),
				logx.Bool("watch.schedule_set", strings.TrimSpace(newW.Schedule) != ""),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffKeys reports which entries were added, removed, or modified.
func diffKeys[V any](oldM, newM map[string]V) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
