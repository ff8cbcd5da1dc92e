package kv

import "testing"

func TestOptions(t *testing.T) {
	opts, err := Options("redis://:secret@cache.internal:6380/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache.internal:6380" {
		t.Errorf("expected addr cache.internal:6380, got %s", opts.Addr)
	}
	if opts.Password != "secret" {
		t.Errorf("expected password secret, got %q", opts.Password)
	}
	if opts.DB != 2 {
		t.Errorf("expected DB 2, got %d", opts.DB)
	}
}

func TestOptions_Invalid(t *testing.T) {
	tests := []string{
		"",
		"http://localhost:6379",
		"redis://localhost:6379/notadb",
	}
	for _, url := range tests {
		if _, err := Options(url); err == nil {
			t.Errorf("expected error for %q", url)
		}
	}
}
