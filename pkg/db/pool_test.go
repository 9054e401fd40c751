package db

import (
	"context"
	"testing"
	"time"
)

const poolTestPrefix = "db:pool_test"

func TestNewPool_RejectsUnusableURLs(t *testing.T) {
	urls := map[string]string{
		"bad scheme":  "invalid://not-a-valid-database-url",
		"bad port":    "postgres://gateway@localhost:notaport/toggles",
		"unreachable": "postgres://gateway@127.0.0.1:1/toggles?connect_timeout=1",
	}
	for name, url := range urls {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pool, err := NewPool(ctx, url)
			if err == nil {
				pool.Close()
				t.Fatalf("%s - expected error for %q", poolTestPrefix, url)
			}
			if pool != nil {
				t.Errorf("%s - expected nil pool on error", poolTestPrefix)
			}
		})
	}
}
