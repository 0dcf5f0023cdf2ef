//go:build linux

package watch

import "github.com/charmbracelet/log"

// maxInFlightAIO bounds the kernel AIO context size. The reactor only ever
// allows one submission per fd, so this is generous for any realistic
// number of peripherals and clients.
const maxInFlightAIO = 256

func newBackend() (Backend, error) {
	b, err := newLinuxAIOBackend(maxInFlightAIO)
	if err != nil {
		log.Warn("kernel AIO unavailable, falling back to synchronous writes", "err", err)
		return newSyncBackend()
	}

	return b, nil
}
