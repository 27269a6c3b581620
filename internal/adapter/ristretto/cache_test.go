package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Error("missing key should not be found")
	}

	if err := c.Set(ctx, "contract:abc123", []byte(`{"operations":[]}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	data, ok, err := c.Get(ctx, "contract:abc123")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != `{"operations":[]}` {
		t.Errorf("unexpected value %q", data)
	}

	if err := c.Delete(ctx, "contract:abc123"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "contract:abc123"); ok {
		t.Error("deleted key should not be found")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Error("expired key should not be found")
	}
}
