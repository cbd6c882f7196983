package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}
