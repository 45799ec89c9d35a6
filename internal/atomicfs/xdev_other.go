//go:build !unix

package atomicfs

// isCrossDevice reports whether err represents a cross-device rename
// failure. Non-unix platforms fall back to always attempting the
// copy+unlink path when rename fails for any reason.
func isCrossDevice(err error) bool {
	return err != nil
}
