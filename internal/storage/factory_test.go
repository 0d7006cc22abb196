package storage

import "testing"

func TestNewStoreDefaultsToMemory(t *testing.T) {
	for _, kind := range []string{"", "memory"} {
		store, err := NewStore(kind, "")
		if err != nil {
			t.Fatalf("new store kind=%q: %v", kind, err)
		}
		if _, ok := store.(*MemoryStore); !ok {
			t.Fatalf("expected memory store for kind=%q, got=%T", kind, store)
		}
	}
}

func TestNewStoreUnsupportedKind(t *testing.T) {
	_, err := NewStore("redis", "")
	if err == nil {
		t.Fatal("expected unsupported backend error")
	}
}

func TestCloseIfSupportedIgnoresPlainStores(t *testing.T) {
	if err := CloseIfSupported(NewMemoryStore()); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}
