package callroute

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

const (
	reconnectDelay = 2 * time.Second

	// pa_port_available_t
	portAvailableYes = 2
)

var errNotConnected = errors.New("not connected to PulseAudio")

// paPlatform routes calls by switching the ports of a PulseAudio sink
type paPlatform struct {
	logger *zap.SugaredLogger
	ports  PulseConfig

	mu     sync.RWMutex
	client *proto.Client
	conn   net.Conn
	closed bool

	mode      route.AudioMode
	savedPort string

	headset         bool
	onHeadsetChange func(bool)
}

func newSystemPlatform(logger *zap.SugaredLogger, config *CanonicalConfig) (audioPlatform, error) {
	if config.Backend != backendAuto && config.Backend != backendPulse {
		logger.Warnw("Unsupported backend", "backend", config.Backend)
		return nil, fmt.Errorf("create platform %q: %w", config.Backend, errBackendUnsupported)
	}

	p := &paPlatform{
		logger: logger.Named("pulse"),
		ports:  config.Pulse,
		mode:   audioModeNormal,
	}

	if err := p.connect(); err != nil {
		p.logger.Warnw("Failed to connect to PulseAudio", "error", err)
		return nil, fmt.Errorf("create PA platform: %w", err)
	}

	p.logger.Debugw("Created PA platform instance", "sink", p.ports.Sink)

	return p, nil
}

func (p *paPlatform) Platform() route.Platform {
	return route.Platform{
		Focus:        newGrantingFocus(p.logger),
		Speakerphone: p,
		State:        p,
		Headset:      p,
		Earpiece:     p,
	}
}

func (p *paPlatform) connect() error {
	client, conn, err := proto.Connect("")
	if err != nil {
		return fmt.Errorf("connect to PulseAudio: %w", err)
	}

	if err := client.Request(&proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("callroute"),
			"media.role":       proto.PropListString("phone"),
		},
	}, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}

	p.mu.Lock()
	p.client = client
	p.conn = conn
	p.mu.Unlock()

	headset := p.queryHeadset()

	p.mu.Lock()
	p.headset = headset
	p.mu.Unlock()

	client.Callback = p.onPulseEvent
	if err := client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskCard | proto.SubscriptionMaskServer,
	}, nil); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to events: %w", err)
	}

	return nil
}

func (p *paPlatform) reconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if p.conn != nil {
		p.conn.Close()
	}
	p.client = nil
	p.conn = nil
	p.mu.Unlock()

	for {
		p.logger.Info("Attempting to reconnect to PulseAudio...")
		if err := p.connect(); err != nil {
			p.logger.Warnw("Reconnect failed, retrying", "error", err)
			time.Sleep(reconnectDelay)

			p.mu.RLock()
			closed := p.closed
			p.mu.RUnlock()
			if closed {
				return
			}
			continue
		}

		p.logger.Info("Reconnected to PulseAudio")

		// a headset may have come or gone while we were away
		p.refreshHeadset()
		return
	}
}

// affectsHeadset reports whether an event can change the headphones port or the set of USB sinks
func affectsHeadset(event proto.SubscriptionEventType) bool {
	switch event.GetFacility() {
	case proto.EventSink, proto.EventCard, proto.EventServer:
		return true
	default:
		return false
	}
}

func (p *paPlatform) onPulseEvent(msg interface{}) {
	switch v := msg.(type) {
	case *proto.SubscribeEvent:
		if affectsHeadset(v.Event) {
			go p.refreshHeadset()
		}

	case *proto.ConnectionClosed:
		p.logger.Warn("PulseAudio connection closed")
		go p.reconnect()
	}
}

func (p *paPlatform) currentClient() (*proto.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.client == nil {
		return nil, errNotConnected
	}

	return p.client, nil
}

func (p *paPlatform) sinkInfo() (*proto.GetSinkInfoReply, error) {
	client, err := p.currentClient()
	if err != nil {
		return nil, err
	}

	reply := proto.GetSinkInfoReply{}
	request := &proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: p.ports.Sink}

	if err := client.Request(request, &reply); err != nil {
		return nil, fmt.Errorf("get sink info: %w", err)
	}

	return &reply, nil
}

func (p *paPlatform) sourceInfo() (*proto.GetSourceInfoReply, error) {
	client, err := p.currentClient()
	if err != nil {
		return nil, err
	}

	reply := proto.GetSourceInfoReply{}
	if err := client.Request(&proto.GetSourceInfo{SourceIndex: proto.Undefined}, &reply); err != nil {
		return nil, fmt.Errorf("get source info: %w", err)
	}

	return &reply, nil
}

// queryHeadset reports whether the sink's headphones jack is in use or a USB headset is attached
func (p *paPlatform) queryHeadset() bool {
	if info, err := p.sinkInfo(); err == nil {
		for _, port := range info.Ports {
			if port.Name == p.ports.HeadphonesPort && port.Available == portAvailableYes {
				return true
			}
		}
	} else {
		p.logger.Warnw("Failed to query sink ports", "error", err)
	}

	return p.usbHeadsetPresent()
}

func (p *paPlatform) usbHeadsetPresent() bool {
	client, err := p.currentClient()
	if err != nil {
		return false
	}

	reply := proto.GetSinkInfoListReply{}
	if err := client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		p.logger.Warnw("Failed to enumerate sinks", "error", err)
		return false
	}

	for _, info := range reply {
		bus, ok := info.Properties["device.bus"]
		if !ok || bus.String() != "usb" {
			continue
		}

		formFactor, ok := info.Properties["device.form_factor"]
		if !ok {
			continue
		}

		switch formFactor.String() {
		case "headset", "headphone":
			p.logger.Debugw("Found USB headset", "sink", info.SinkName)
			return true
		}
	}

	return false
}

func (p *paPlatform) refreshHeadset() {
	present := p.queryHeadset()

	p.mu.Lock()
	changed := present != p.headset
	p.headset = present
	onChange := p.onHeadsetChange
	p.mu.Unlock()

	if !changed {
		return
	}

	p.logger.Infow("Wired headset signal changed", "present", present)

	if onChange != nil {
		onChange(present)
	}
}

func (p *paPlatform) hasPort(info *proto.GetSinkInfoReply, name string) bool {
	if name == "" {
		return false
	}

	for _, port := range info.Ports {
		if port.Name == name {
			return true
		}
	}

	return false
}

func (p *paPlatform) setPort(info *proto.GetSinkInfoReply, port string) error {
	if info.ActivePortName == port {
		return nil
	}

	client, err := p.currentClient()
	if err != nil {
		return err
	}

	if err := client.Request(&proto.SetSinkPort{SinkIndex: info.SinkIndex, Port: port}, nil); err != nil {
		return fmt.Errorf("set sink port %q: %w", port, err)
	}

	p.logger.Debugw("Switched sink port", "sink", info.SinkName, "from", info.ActivePortName, "to", port)

	return nil
}

// SetSpeakerphoneOn moves the sink to the speaker port, or away from it
// towards the headphones (when plugged) or the earpiece
func (p *paPlatform) SetSpeakerphoneOn(on bool) error {
	info, err := p.sinkInfo()
	if err != nil {
		p.logger.Warnw("Failed to get sink for speakerphone change", "error", err)
		return fmt.Errorf("set speakerphone: %w", err)
	}

	p.mu.RLock()
	headset := p.headset
	p.mu.RUnlock()

	var port string
	switch {
	case on:
		port = p.ports.SpeakerPort
	case headset && p.hasPort(info, p.ports.HeadphonesPort):
		port = p.ports.HeadphonesPort
	case p.hasPort(info, p.ports.EarpiecePort):
		port = p.ports.EarpiecePort
	default:
		// USB headsets are their own sink, nothing to switch here
		return nil
	}

	if err := p.setPort(info, port); err != nil {
		p.logger.Warnw("Failed to switch sink port", "port", port, "error", err)
		return fmt.Errorf("set speakerphone: %w", err)
	}

	return nil
}

func (p *paPlatform) SetMicrophoneMute(mute bool) error {
	source, err := p.sourceInfo()
	if err != nil {
		p.logger.Warnw("Failed to get default source", "error", err)
		return fmt.Errorf("set microphone mute: %w", err)
	}

	client, err := p.currentClient()
	if err != nil {
		return fmt.Errorf("set microphone mute: %w", err)
	}

	if err := client.Request(&proto.SetSourceMute{SourceIndex: source.SourceIndex, Mute: mute}, nil); err != nil {
		p.logger.Warnw("Failed to set source mute", "source", source.SourceName, "error", err)
		return fmt.Errorf("set microphone mute: %w", err)
	}

	return nil
}

func (p *paPlatform) Capture() (route.SavedState, error) {
	info, err := p.sinkInfo()
	if err != nil {
		return route.SavedState{}, fmt.Errorf("capture sink state: %w", err)
	}

	source, err := p.sourceInfo()
	if err != nil {
		return route.SavedState{}, fmt.Errorf("capture source state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.savedPort = info.ActivePortName

	return route.SavedState{
		Mode:           p.mode,
		SpeakerphoneOn: info.ActivePortName == p.ports.SpeakerPort,
		MicrophoneMute: source.Mute,
	}, nil
}

func (p *paPlatform) Restore(state route.SavedState) error {
	p.mu.Lock()
	p.mode = state.Mode
	savedPort := p.savedPort
	p.savedPort = ""
	p.mu.Unlock()

	var errs []error

	if savedPort != "" {
		if info, err := p.sinkInfo(); err != nil {
			errs = append(errs, err)
		} else if err := p.setPort(info, savedPort); err != nil {
			errs = append(errs, err)
		}
	} else if err := p.SetSpeakerphoneOn(state.SpeakerphoneOn); err != nil {
		errs = append(errs, err)
	}

	if err := p.SetMicrophoneMute(state.MicrophoneMute); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("restore audio state: %w", err)
	}

	return nil
}

// EnterCommunicationMode only tracks the mode: PulseAudio picks the phone role up from our client properties
func (p *paPlatform) EnterCommunicationMode() error {
	p.mu.Lock()
	p.mode = route.AudioModeInCommunication
	p.mu.Unlock()

	p.logger.Debug("Entered communication mode")

	return nil
}

func (p *paPlatform) HasWiredHeadset() bool {
	present := p.queryHeadset()

	p.mu.Lock()
	p.headset = present
	p.mu.Unlock()

	return present
}

func (p *paPlatform) StartWatching(onChange func(bool)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return fmt.Errorf("watch headset: %w", errNotConnected)
	}

	p.onHeadsetChange = onChange
	p.logger.Debug("Watching headset signal")

	return nil
}

func (p *paPlatform) StopWatching() {
	p.mu.Lock()
	p.onHeadsetChange = nil
	p.mu.Unlock()

	p.logger.Debug("Stopped watching headset signal")
}

func (p *paPlatform) HasEarpiece() bool {
	info, err := p.sinkInfo()
	if err != nil {
		p.logger.Warnw("Failed to query sink for earpiece", "error", err)
		return false
	}

	p.logger.Debugw("Queried sink ports", "sink", info.SinkName, "ports", portSummary(info))

	return p.hasPort(info, p.ports.EarpiecePort)
}

func (p *paPlatform) Release() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close PulseAudio connection: %w", err)
		}
	}

	p.logger.Debug("Released PA platform")

	return nil
}

// portSummary is used for debug logging only
func portSummary(info *proto.GetSinkInfoReply) string {
	names := make([]string, 0, len(info.Ports))
	for _, port := range info.Ports {
		names = append(names, port.Name)
	}

	return strings.Join(names, ", ")
}
