package callroute

import (
	"testing"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAffectsHeadset(t *testing.T) {
	tests := []struct {
		name  string
		event proto.SubscriptionEventType
		want  bool
	}{
		{name: "sink change", event: proto.EventSink | proto.EventChange, want: true},
		{name: "sink removed", event: proto.EventSink | proto.EventRemove, want: true},
		{name: "card new", event: proto.EventCard | proto.EventNew, want: true},
		{name: "server change", event: proto.EventServer | proto.EventChange, want: true},
		{name: "source change", event: proto.EventSource | proto.EventChange, want: false},
		{name: "sink input new", event: proto.EventSinkSinkInput | proto.EventNew, want: false},
		{name: "client removed", event: proto.EventClient | proto.EventRemove, want: false},
		{name: "module change", event: proto.EventModule | proto.EventChange, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, affectsHeadset(tt.event))
		})
	}
}

// without a connection the headset reads as absent, so a refresh after a
// relevant event reports the unplug
func TestPulseEventRefreshesHeadset(t *testing.T) {
	changes := make(chan bool, 4)

	p := &paPlatform{
		logger:          zap.NewNop().Sugar(),
		ports:           PulseConfig{HeadphonesPort: defaultHeadphonesPort},
		headset:         true,
		onHeadsetChange: func(present bool) { changes <- present },
	}

	p.onPulseEvent(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventNew})

	select {
	case present := <-changes:
		t.Fatalf("unexpected headset change %v for a sink input event", present)
	case <-time.After(100 * time.Millisecond):
	}

	p.onPulseEvent(&proto.SubscribeEvent{Event: proto.EventSink | proto.EventChange})

	select {
	case present := <-changes:
		assert.False(t, present)
	case <-time.After(2 * time.Second):
		t.Fatal("headset refresh wasn't triggered by a sink event")
	}
}
