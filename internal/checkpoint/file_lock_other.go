//go:build !unix

package checkpoint

// lockFile is a no-op where flock is unavailable; the file backend is then
// safe for a single process only.
func (s *FileStore) lockFile(threadID string) (func(), error) {
	return func() {}, nil
}
