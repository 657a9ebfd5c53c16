package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent(ComponentCapture, true, "portaudio")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	capture, ok := status.Components[ComponentCapture]
	if !ok {
		t.Fatal("expected capture component")
	}

	if !capture.Healthy {
		t.Error("expected capture to be healthy")
	}

	if capture.Message != "portaudio" {
		t.Errorf("expected message 'portaudio', got %s", capture.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent(ComponentCapture, true, "ok")
	checker.SetComponent(ComponentMQTT, false, "disconnected")

	status := checker.GetStatus()

	if status.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}

	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.0.0")

	// Start unhealthy
	checker.SetComponent(ComponentMQTT, false, "connecting")

	if checker.IsHealthy() {
		t.Error("expected unhealthy")
	}

	// Recover
	checker.SetComponent(ComponentMQTT, true, "connected")

	if !checker.IsHealthy() {
		t.Error("expected healthy after recovery")
	}

	status := checker.GetStatus()
	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}

func TestChecker_StatusIsCopy(t *testing.T) {
	checker := NewChecker("1.0.0")
	checker.SetComponent(ComponentCapture, true, "")

	status := checker.GetStatus()
	status.Components[ComponentMQTT] = Check{}

	if len(checker.GetStatus().Components) != 1 {
		t.Error("expected status components to be a copy")
	}
}

func TestChecker_RegisterEvaluatesCheck(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.Register(ComponentMQTT, func() (bool, string) { return false, "connecting" })

	check := checker.GetStatus().Components[ComponentMQTT]
	if check.Healthy || check.Message != "connecting" {
		t.Errorf("unexpected check %+v", check)
	}
}

func TestChecker_Refresh(t *testing.T) {
	checker := NewChecker("1.0.0")

	var connected atomic.Bool
	checker.Register(ComponentMQTT, func() (bool, string) {
		if connected.Load() {
			return true, "connected"
		}
		return false, "disconnected"
	})

	if checker.IsHealthy() {
		t.Fatal("expected unhealthy before connect")
	}

	connected.Store(true)
	checker.Refresh()

	if !checker.IsHealthy() {
		t.Error("expected healthy after refresh")
	}
}

func TestChecker_Watch(t *testing.T) {
	checker := NewChecker("1.0.0")

	var calls atomic.Int32
	checker.Register(ComponentCapture, func() (bool, string) {
		calls.Add(1)
		return true, ""
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	// one call from Register plus at least two ticks
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 check calls, got %d", calls.Load())
	}
}
