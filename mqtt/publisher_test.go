package mqtt

import (
	"testing"
	"time"

	"sprayd/config"
	"sprayd/tagcache"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"", "gas_control.main_flow.setpoint", "sprayd/tags/gas_control/main_flow/setpoint"},
		{"plant7", "valve_control.vent", "plant7/tags/valve_control/vent"},
	}
	for _, tc := range tests {
		p := NewPublisher(config.MQTTConfig{BaseTopic: tc.base})
		if got := p.Topic(tc.path); got != tc.want {
			t.Errorf("Topic(%q) base %q = %q, want %q", tc.path, tc.base, got, tc.want)
		}
	}
}

func TestPublishWhenStopped(t *testing.T) {
	p := NewPublisher(config.MQTTConfig{})
	// Must be a silent no-op without a broker connection.
	p.PublishTag("gas_control.main_flow.setpoint", tagcache.TagValue{
		Value:     tagcache.Float(42.5),
		Timestamp: time.Now(),
	})
	if p.IsRunning() {
		t.Error("publisher should not report running")
	}
	p.Stop()
}
