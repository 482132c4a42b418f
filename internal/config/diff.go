package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	RolesChanged []string

	GroupsAdded   []string
	GroupsRemoved []string
	GroupsChanged []string

	CoordinationChanged bool
	NewCoordination     CoordinationConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		len(d.RolesChanged) > 0 ||
		len(d.GroupsAdded) > 0 ||
		len(d.GroupsRemoved) > 0 ||
		len(d.GroupsChanged) > 0 ||
		d.CoordinationChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed. All name lists are
// sorted.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	d.AgentsAdded, d.AgentsRemoved, d.AgentsChanged = diffMaps(old.Agents, new.Agents)
	d.GroupsAdded, d.GroupsRemoved, d.GroupsChanged = diffMaps(old.Groups, new.Groups)

	added, removed, changed := diffMaps(old.Roles, new.Roles)
	d.RolesChanged = append(append(append(d.RolesChanged, added...), removed...), changed...)
	sort.Strings(d.RolesChanged)

	if !reflect.DeepEqual(old.Coordination, new.Coordination) {
		d.CoordinationChanged = true
		d.NewCoordination = new.Coordination
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}

func diffMaps[V any](old, new map[string]V) (added, removed, changed []string) {
	for name := range new {
		if _, ok := old[name]; !ok {
			added = append(added, name)
		}
	}
	for name, oldDef := range old {
		newDef, ok := new[name]
		if !ok {
			removed = append(removed, name)
			continue
		}
		if !reflect.DeepEqual(oldDef, newDef) {
			changed = append(changed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}
