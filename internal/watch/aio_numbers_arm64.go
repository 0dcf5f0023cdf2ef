//go:build linux && arm64

package watch

const (
	sysIoSetup     = 0
	sysIoDestroy   = 1
	sysIoSubmit    = 2
	sysIoGetevents = 4
)
