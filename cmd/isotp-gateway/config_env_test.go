package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("CAN_GATEWAY_BAUD", "230400")
	os.Setenv("CAN_GATEWAY_BACKEND", "socketcan")
	os.Setenv("CAN_GATEWAY_BLE_ADVERTISE_DISABLE", "true")
	os.Setenv("CAN_GATEWAY_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("CAN_GATEWAY_BAUD")
		os.Unsetenv("CAN_GATEWAY_BACKEND")
		os.Unsetenv("CAN_GATEWAY_BLE_ADVERTISE_DISABLE")
		os.Unsetenv("CAN_GATEWAY_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if base.backend != "socketcan" {
		t.Fatalf("expected backend override, got %q", base.backend)
	}
	if !base.bleAdvertiseOff {
		t.Fatal("expected bleAdvertiseOff true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("CAN_GATEWAY_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("CAN_GATEWAY_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{bitrate: 500000}
	os.Setenv("CAN_GATEWAY_BITRATE", "notint")
	t.Cleanup(func() { os.Unsetenv("CAN_GATEWAY_BITRATE") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for bad integer")
	}
}
