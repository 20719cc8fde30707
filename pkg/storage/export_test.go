package storage

// SetBeforeReclaimTruncate installs fn until the returned func restores it.
func SetBeforeReclaimTruncate(fn func()) func() {
	prev := beforeReclaimTruncate
	beforeReclaimTruncate = fn
	return func() { beforeReclaimTruncate = prev }
}
