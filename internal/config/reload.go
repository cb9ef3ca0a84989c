package config

import (
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ReloadPlan splits the differences between two configs into settings the
// running server applies in place and settings that need a restart.
type ReloadPlan struct {
	Hot     []string `json:"hot,omitempty"`
	Restart []string `json:"restart,omitempty"`
}

func (p ReloadPlan) Changed() bool { return len(p.Hot)+len(p.Restart) > 0 }

func PlanReload(old, next Config) ReloadPlan {
	var p ReloadPlan
	hot := func(name string, a, b any) {
		if !cmp.Equal(a, b, cmpopts.EquateEmpty()) {
			p.Hot = append(p.Hot, name)
		}
	}
	restart := func(name string, a, b any) {
		if !cmp.Equal(a, b, cmpopts.EquateEmpty()) {
			p.Restart = append(p.Restart, name)
		}
	}

	hot("observability.log.level", old.Observability.Log.Level, next.Observability.Log.Level)
	hot("paging", old.Paging, next.Paging)
	hot("about", old.About, next.About)

	restart("listen", old.Listen, next.Listen)
	restart("prefix", old.Prefix, next.Prefix)
	restart("store", old.Store, next.Store)
	restart("poll", old.Poll, next.Poll)
	restart("sessions", old.Sessions, next.Sessions)
	restart("auth", old.Auth, next.Auth)
	restart("bridges", old.Bridges, next.Bridges)
	restart("observability.log.output", old.Observability.Log.Output, next.Observability.Log.Output)
	restart("observability.log.path", old.Observability.Log.Path, next.Observability.Log.Path)
	restart("observability.access_log", old.Observability.AccessLog, next.Observability.AccessLog)
	restart("observability.metrics", old.Observability.Metrics, next.Observability.Metrics)
	restart("observability.tracing", old.Observability.Tracing, next.Observability.Tracing)
	restart("health", old.Health, next.Health)

	sort.Strings(p.Hot)
	sort.Strings(p.Restart)
	return p
}
