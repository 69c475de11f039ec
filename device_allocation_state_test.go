package fleetsched

import "testing"

func TestTransitionKnownPaths(t *testing.T) {
	cases := []struct {
		name  string
		from  DeviceAllocationState
		event DeviceEvent
		want  DeviceAllocationState
	}{
		{"connect brings unknown online", StateUnknown, EventConnectedOnline, StateCheckingAvailability},
		{"availability check passes", StateCheckingAvailability, EventAvailableCheckPassed, StateAvailable},
		{"allocate request", StateAvailable, EventAllocateRequest, StateAllocated},
		{"free available", StateAllocated, EventFreeAvailable, StateAvailable},
		{"free unresponsive", StateAllocated, EventFreeUnresponsive, StateUnavailable},
		{"disconnect from allocated", StateAllocated, EventDisconnected, StateUnavailable},
		{"force available from unavailable", StateUnavailable, EventForceAvailable, StateAvailable},
		{"force allocate from unavailable", StateUnavailable, EventForceAllocateRequest, StateAllocated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Transition(tc.from, tc.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Transition(%s, %s) = %s, want %s", tc.from, tc.event, got, tc.want)
			}
		})
	}
}

func TestTransitionRejectsUnmappedPair(t *testing.T) {
	_, err := Transition(StateCheckingAvailability, EventAllocateRequest)
	if err == nil {
		t.Fatal("expected an error for an unmapped (state, event) pair")
	}
	var invalid *ErrInvalidTransition
	ok := false
	if e, is := err.(*ErrInvalidTransition); is {
		invalid = e
		ok = true
	}
	if !ok {
		t.Fatalf("expected *ErrInvalidTransition, got %T", err)
	}
	if invalid.From != StateCheckingAvailability || invalid.Event != EventAllocateRequest {
		t.Fatalf("unexpected error payload: %+v", invalid)
	}
}

func TestFreeDeviceStateToEvent(t *testing.T) {
	cases := map[FreeDeviceState]DeviceEvent{
		FreeAvailable:    EventFreeAvailable,
		FreeUnresponsive: EventFreeUnresponsive,
		FreeUnavailable:  EventFreeUnavailable,
		FreeIgnore:       EventFreeUnknown,
	}
	for state, want := range cases {
		if got := state.ToEvent(); got != want {
			t.Errorf("%s.ToEvent() = %s, want %s", state, got, want)
		}
	}
}
