package main

import "testing"

func baseConfig() *appConfig {
	return &appConfig{
		backend:       "serial",
		canIf:         "can0",
		serialDev:     "/dev/null",
		baud:          115200,
		bitrate:       500000,
		logFormat:     "text",
		logLevel:      "info",
		bleDeviceName: "BLE_TO_ISOTP",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badBitrate", func(c *appConfig) { c.bitrate = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"emptyBLEName", func(c *appConfig) { c.bleDeviceName = "" }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidate_NilReceiver(t *testing.T) {
	var c *appConfig
	if err := c.validate(); err == nil {
		t.Fatal("expected error for nil config")
	}
}
