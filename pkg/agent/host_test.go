package agent

import (
	"context"
	"strconv"
	"testing"
)

func TestHostMetadata(t *testing.T) {
	meta := HostMetadata(context.Background())
	if meta == nil {
		t.Fatalf("HostMetadata returned nil")
	}
	for k, v := range meta {
		if v == "" {
			t.Fatalf("empty value for %s", k)
		}
	}
	if c, ok := meta["cpus"]; ok {
		if n, err := strconv.Atoi(c); err != nil || n <= 0 {
			t.Fatalf("cpus = %q", c)
		}
	}
}
