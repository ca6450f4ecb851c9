package redispub

import (
	"testing"
	"time"

	"sprayd/config"
	"sprayd/tagcache"
)

func TestKey(t *testing.T) {
	if got := Key("gas_control.main_flow.setpoint"); got != "sprayd:tag:gas_control.main_flow.setpoint" {
		t.Errorf("Key = %q", got)
	}
}

func TestPublishWhenStopped(t *testing.T) {
	p := NewPublisher(config.RedisConfig{Address: "127.0.0.1:6379"})
	// No connection: must be a silent no-op.
	p.PublishTag("valve_control.vent", tagcache.TagValue{
		Value:     tagcache.Bool(true),
		Timestamp: time.Now(),
	})
	if p.IsRunning() {
		t.Error("publisher should not report running")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop on stopped publisher: %v", err)
	}
}

func TestDefaultChannel(t *testing.T) {
	p := NewPublisher(config.RedisConfig{})
	if p.cfg.Channel != "sprayd:updates" {
		t.Errorf("default channel = %q", p.cfg.Channel)
	}
}
