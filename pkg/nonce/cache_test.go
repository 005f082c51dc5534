package nonce

import (
	"testing"
	"time"
)

func TestCacheConsume(t *testing.T) {
	c := NewCache(0, 0)

	n := []byte{1, 2, 3, 4}
	if !c.Consume("par64", n) {
		t.Fatal("first use should be fresh")
	}
	if c.Consume("par64", n) {
		t.Error("second use should be a replay")
	}
	if !c.Seen("par64", n) {
		t.Error("Seen should report recorded nonce")
	}
	if !c.Consume("other", n) {
		t.Error("nonces are tracked per peer")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache(2, time.Hour)
	c.Consume("d", []byte{1})
	c.Consume("d", []byte{2})
	c.Consume("d", []byte{3})

	if c.Seen("d", []byte{1}) {
		t.Error("oldest entry should have been evicted")
	}
	if !c.Seen("d", []byte{3}) {
		t.Error("newest entry missing")
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(8, 20*time.Millisecond)
	c.Consume("d", []byte{9})
	time.Sleep(60 * time.Millisecond)
	if c.Seen("d", []byte{9}) {
		t.Error("entry should have expired")
	}
}
