// Command bridgeui runs the bridge dashboard.
//
// bridgeui polls a set of bridges (in-process workers or remote bridge
// processes), aggregates their counters, serves queue, error and activity
// views as JSON, pushes changes over server-sent events, and accepts the
// remove and restart control commands.
//
// Install:
//
//	go install github.com/tohenk/bridgeui/cmd/bridgeui@latest
//
// Usage:
//
//	bridgeui run --config ./bridgeui.yaml
package main
