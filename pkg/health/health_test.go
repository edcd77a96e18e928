package health

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/objectfs/drivefs/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("drive")

	if state := tracker.GetState("drive"); state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if state := tracker.GetState("missing"); state != StateUnavailable {
		t.Errorf("Expected unregistered component to be unavailable, got %s", state)
	}
}

func TestTracker_DegradeAndRecover(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 3, UnavailableThreshold: 5})
	tracker.RegisterComponent("drive")

	transient := errors.NewError(errors.ErrCodeTransient, "connection reset")
	tracker.RecordError("drive", transient)
	tracker.RecordError("drive", transient)
	if state := tracker.GetState("drive"); state != StateHealthy {
		t.Errorf("Expected StateHealthy below threshold, got %s", state)
	}

	tracker.RecordError("drive", transient)
	if state := tracker.GetState("drive"); state != StateDegraded {
		t.Errorf("Expected StateDegraded at threshold, got %s", state)
	}

	for i := 0; i < 2; i++ {
		tracker.RecordSuccess("drive")
	}
	if state := tracker.GetState("drive"); state != StateDegraded {
		t.Errorf("Expected StateDegraded while errors remain, got %s", state)
	}
	tracker.RecordSuccess("drive")
	if state := tracker.GetState("drive"); state != StateHealthy {
		t.Errorf("Expected StateHealthy after recovery, got %s", state)
	}

	h, err := tracker.GetComponentHealth("drive")
	if err != nil {
		t.Fatalf("GetComponentHealth() error = %v", err)
	}
	if h.ConsecutiveErrors != 0 || h.LastErrorMessage != "" {
		t.Errorf("Expected counters reset after recovery, got %+v", h)
	}
}

func TestTracker_Unavailable(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 4})
	tracker.RegisterComponent("drive")

	for i := 0; i < 4; i++ {
		tracker.RecordError("drive", fmt.Errorf("attempt %d", i))
	}
	if state := tracker.GetState("drive"); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable, got %s", state)
	}
	if tracker.CanRead("drive") {
		t.Error("Unavailable component should not allow reads")
	}
}

func TestTracker_ReadOnlyOnWriteErrors(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 10})
	tracker.RegisterComponent("drive")

	quota := errors.NewError(errors.ErrCodeQuotaExceeded, "drive full")
	tracker.RecordError("drive", quota)
	tracker.RecordError("drive", quota)

	if state := tracker.GetState("drive"); state != StateReadOnly {
		t.Fatalf("Expected StateReadOnly, got %s", state)
	}
	if !tracker.CanRead("drive") {
		t.Error("Read-only component should allow reads")
	}
	if tracker.CanWrite("drive") {
		t.Error("Read-only component should refuse writes")
	}

	// A later transient error does not downgrade read-only to degraded.
	tracker.RecordError("drive", errors.NewError(errors.ErrCodeTransient, "reset"))
	if state := tracker.GetState("drive"); state != StateReadOnly {
		t.Errorf("Expected StateReadOnly to persist, got %s", state)
	}
}

func TestTracker_FatalNeverRecovers(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("drive")

	tracker.RecordError("drive", errors.NewError(errors.ErrCodeUnauthorized, "refresh token revoked"))
	if state := tracker.GetState("drive"); state != StateUnavailable {
		t.Fatalf("Expected StateUnavailable after fatal error, got %s", state)
	}
	for i := 0; i < 5; i++ {
		tracker.RecordSuccess("drive")
	}
	if state := tracker.GetState("drive"); state != StateUnavailable {
		t.Errorf("Expected fatal state to stick, got %s", state)
	}
}

func TestTracker_OverallHealth(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 3})
	if state := tracker.GetOverallHealth(); state != StateHealthy {
		t.Errorf("Expected empty tracker to be healthy, got %s", state)
	}

	tracker.RegisterComponent("drive")
	tracker.RegisterComponent("flush")
	tracker.RecordError("flush", fmt.Errorf("upload failed"))

	if state := tracker.GetOverallHealth(); state != StateDegraded {
		t.Errorf("Expected overall StateDegraded, got %s", state)
	}

	all := tracker.GetAllComponents()
	if len(all) != 2 || all[0].Name != "drive" || all[1].Name != "flush" {
		t.Errorf("Expected components sorted by name, got %+v", all)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 5})
	tracker.RegisterComponent("drive")

	changes := make(chan [2]HealthState, 4)
	tracker.OnStateChange(func(component string, oldState, newState HealthState, err error) {
		changes <- [2]HealthState{oldState, newState}
	})

	tracker.RecordError("drive", fmt.Errorf("boom"))
	select {
	case got := <-changes:
		if got != [2]HealthState{StateHealthy, StateDegraded} {
			t.Errorf("Expected healthy->degraded, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestHealthStateJSON(t *testing.T) {
	data, err := json.Marshal(ComponentHealth{Name: "drive", State: StateReadOnly})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["state"] != "read-only" {
		t.Errorf("Expected state encoded by name, got %v", decoded["state"])
	}
}
