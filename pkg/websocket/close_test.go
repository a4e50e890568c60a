package websocket

import "testing"

func TestValidCloseCode(t *testing.T) {
	tests := []struct {
		code uint16
		want bool
	}{
		{1000, true}, {1001, true}, {1002, true}, {1003, true},
		{1004, false}, {1005, false}, {1006, false},
		{1007, true}, {1008, true}, {1014, true},
		{1015, false}, {1016, false}, {2999, false},
		{3000, true}, {4999, true}, {5000, false},
		{999, false},
	}
	for _, tt := range tests {
		if got := ValidCloseCode(tt.code); got != tt.want {
			t.Errorf("ValidCloseCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCheckClosePayloadRejectsInvalidCode(t *testing.T) {
	status, reason := checkClosePayload(StatusCode(1015), "hello")
	if status != StatusProtocolError {
		t.Errorf("status = %v, want StatusProtocolError", status)
	}
	if reason != "hello" {
		t.Errorf("reason = %q, want unchanged", reason)
	}
}

func TestCheckClosePayloadTruncatesLongReason(t *testing.T) {
	long := make([]byte, maxCloseReason+10)
	for i := range long {
		long[i] = 'a'
	}
	_, reason := checkClosePayload(StatusNormalClosure, string(long))
	if len(reason) != maxCloseReason {
		t.Errorf("len(reason) = %d, want %d", len(reason), maxCloseReason)
	}
}
