package server

import (
	"testing"
	"time"
)

func TestIPLimiterWindow(t *testing.T) {
	l := newIPLimiter(2, 50*time.Millisecond)

	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("first two hits denied")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("third hit allowed")
	}

	// Another IP has its own budget.
	if !l.Allow("5.6.7.8") {
		t.Fatal("other ip denied")
	}

	// The window slides.
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Fatal("hit denied after window expired")
	}
}
