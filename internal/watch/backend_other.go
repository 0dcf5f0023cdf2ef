//go:build !linux

package watch

func newBackend() (Backend, error) {
	return newSyncBackend()
}
