package storage

import "fmt"

// Backend names accepted in configuration.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open returns the backend named by kind, rooted at dataDir.
func Open(kind, dataDir string) (Backend, error) {
	switch kind {
	case BackendFile, "":
		return NewFileBackend(dataDir)
	case BackendBadger:
		return NewBadgerBackend(dataDir)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
