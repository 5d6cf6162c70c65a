package cmd

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	if err := configureLogging(&config.Config{Log: config.LogConfig{Level: "debug"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", logrus.GetLevel())
	}

	if err := configureLogging(&config.Config{Log: config.LogConfig{Level: "loud"}}); err == nil {
		t.Fatal("expected invalid level error")
	}
}
