//go:build unix && !linux

package iobackend

// On non-Linux Unix systems (darwin, the BSDs) there is no io_uring
// equivalent reachable without cgo, so the readiness backend is the
// only option, matching spec.md's "otherwise -> readiness" rule.
func newPlatformBackend() (Backend, error) {
	return newPollBackend()
}
