package relayerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsUsageLimit(t *testing.T) {
	if !IsUsageLimit(ErrDailyLimit) || !IsUsageLimit(ErrLifetimeLimit) {
		t.Fatal("limit sentinels not recognised")
	}
	if !IsUsageLimit(fmt.Errorf("check failed: %w", ErrDailyLimit)) {
		t.Fatal("wrapped limit not recognised")
	}
	if IsUsageLimit(errors.New("something else")) {
		t.Fatal("arbitrary error recognised as limit")
	}
}

func TestNetworkErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := &NetworkError{Op: "post captions", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through NetworkError")
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	err := &UpstreamError{StatusCode: 503, Body: "try later"}
	if got := err.Error(); got != "upstream returned 503: try later" {
		t.Fatalf("message = %q", got)
	}
}
