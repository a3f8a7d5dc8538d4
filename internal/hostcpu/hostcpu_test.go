package hostcpu

import "testing"

func TestAvailableReportsAtLeastOneCPU(t *testing.T) {
	if got := Available(); got < 1 {
		t.Fatalf("Available() = %d, want >= 1", got)
	}
}

func TestPinUnpinRoundTripDoesNotPanic(t *testing.T) {
	Pin(0)
	Unpin()
}
