package callroute

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
	"github.com/nik9play/callroute/pkg/win"
)

// wcaPlatform watches WASAPI render endpoints for headsets and drives the
// default capture endpoint's mute. Every COM call happens on one worker goroutine
type wcaPlatform struct {
	logger *zap.SugaredLogger

	eventCtx *ole.GUID

	mmDeviceEnumerator *wca.IMMDeviceEnumerator
	endpointWatcher    *win.EndpointWatcher
	lastEndpointChange time.Time

	mu              sync.Mutex
	mode            route.AudioMode
	speakerphoneOn  bool
	headset         bool
	onHeadsetChange func(bool)

	reqChannel chan func()

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

const (

	// there's no real mystery here, it's just a random GUID
	myteriousGUID = "{1ec920a1-7db8-44ba-9779-e5d28ed9f330}"

	// plugging a headset fires several notifications (added, state, default for each role)
	// in quick succession, one re-check is enough
	minEndpointChangeThreshold = 100 * time.Millisecond
)

var errWorkerStopped = errors.New("COM worker stopped")

// endpoint descriptions that count as a headset, matched against the lowercased PKEY_Device_DeviceDesc
var headsetDescriptions = []string{"headphone", "headset", "earphone"}

// endpoint descriptions of a handset style earpiece
var earpieceDescriptions = []string{"earpiece", "hands-free", "handsfree"}

func newSystemPlatform(logger *zap.SugaredLogger, config *CanonicalConfig) (audioPlatform, error) {
	if config.Backend != backendAuto && config.Backend != backendWCA {
		logger.Warnw("Unsupported backend", "backend", config.Backend)
		return nil, fmt.Errorf("create platform %q: %w", config.Backend, errBackendUnsupported)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &wcaPlatform{
		logger:       logger.Named("wca"),
		eventCtx:     ole.NewGUID(myteriousGUID),
		mode:         audioModeNormal,
		reqChannel:   make(chan func()),
		workerCtx:    ctx,
		workerCancel: cancel,
	}

	go p.platformWorker(ctx)

	p.logger.Debug("Created WCA platform instance")

	return p, nil
}

func (p *wcaPlatform) Platform() route.Platform {
	return route.Platform{
		Focus:        newGrantingFocus(p.logger),
		Speakerphone: p,
		State:        p,
		Headset:      p,
		Earpiece:     p,
	}
}

func (p *wcaPlatform) initializeCOMLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("COM initializing stopping")
			return errors.New("com initializing stopped")
		default:
			err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)

			if err == nil {
				return nil
			}

			// if the error is "Incorrect function" that corresponds to 0x00000001,
			// which represents E_FALSE in COM error handling. this is fine for this function,
			// and just means that the call was redundant.
			const eFalse = 1
			oleError := &ole.OleError{}

			if errors.As(err, &oleError) && oleError.Code() == eFalse {
				return nil
			}

			p.logger.Warnw("Failed to call CoInitializeEx. Retrying...", "error", err)
			time.Sleep(2 * time.Second)
		}
	}
}

// platformWorker owns the COM apartment and runs queued requests
func (p *wcaPlatform) platformWorker(ctx context.Context) {
	// all COM operations must happen on the same initialized thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := p.initializeCOMLoop(ctx); err != nil {
		return
	}
	p.logger.Info("COM initialized for platform")
	defer ole.CoUninitialize()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Platform worker stopping")
			return
		case fn := <-p.reqChannel:
			fn()
		}
	}
}

// run executes fn on the COM worker and waits for its result
func (p *wcaPlatform) run(fn func() error) error {
	result := make(chan error, 1)

	select {
	case p.reqChannel <- func() { result <- fn() }:
	case <-p.workerCtx.Done():
		return errWorkerStopped
	}

	select {
	case err := <-result:
		return err
	case <-p.workerCtx.Done():
		return errWorkerStopped
	}
}

func (p *wcaPlatform) getDeviceEnumerator() error {

	// get the IMMDeviceEnumerator (only once)
	if p.mmDeviceEnumerator == nil {
		if err := wca.CoCreateInstance(
			wca.CLSID_MMDeviceEnumerator,
			0,
			wca.CLSCTX_ALL,
			wca.IID_IMMDeviceEnumerator,
			&p.mmDeviceEnumerator,
		); err != nil {
			p.logger.Warnw("Failed to call CoCreateInstance", "error", err)
			return fmt.Errorf("call CoCreateInstance: %w", err)
		}

		if err := p.registerEndpointWatcher(); err != nil {
			p.logger.Warnw("Failed to register endpoint watcher, headset changes will go unnoticed", "error", err)
		}
	}

	return nil
}

func (p *wcaPlatform) registerEndpointWatcher() error {
	p.endpointWatcher = win.NewEndpointWatcher(p.onEndpointChanged)

	if err := p.mmDeviceEnumerator.RegisterEndpointNotificationCallback(p.endpointWatcher.ToWCA()); err != nil {
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (p *wcaPlatform) onEndpointChanged(reason string, deviceID string) {
	p.mu.Lock()
	now := time.Now()
	if p.lastEndpointChange.Add(minEndpointChangeThreshold).After(now) {
		p.mu.Unlock()
		return
	}
	p.lastEndpointChange = now
	p.mu.Unlock()

	p.logger.Debugw("Audio endpoints changed, re-checking headset", "reason", reason, "deviceID", deviceID)

	// the notification arrives on a COM thread of its own, hop back to the worker.
	// the delay lets the remaining notifications of the same plug event settle
	go func() {
		time.Sleep(minEndpointChangeThreshold)

		_ = p.run(func() error {
			p.refreshHeadset()
			return nil
		})
	}()
}

// renderEndpointDescriptions lists the lowercased descriptions ("headphones", "speakers"...) of all active outputs
func (p *wcaPlatform) renderEndpointDescriptions() ([]string, error) {
	if err := p.getDeviceEnumerator(); err != nil {
		return nil, err
	}

	var deviceCollection *wca.IMMDeviceCollection

	if err := p.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		p.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		p.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	descriptions := make([]string, 0, deviceCount)

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		description, err := p.endpointDescription(deviceCollection, deviceIdx)
		if err != nil {
			return nil, err
		}

		descriptions = append(descriptions, description)
	}

	return descriptions, nil
}

func (p *wcaPlatform) endpointDescription(deviceCollection *wca.IMMDeviceCollection, deviceIdx uint32) (string, error) {
	var endpoint *wca.IMMDevice

	if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
		p.logger.Warnw("Failed to get device from device collection",
			"deviceIdx", deviceIdx,
			"error", err)

		return "", fmt.Errorf("get device %d from device collection: %w", deviceIdx, err)
	}
	defer endpoint.Release()

	var propertyStore *wca.IPropertyStore

	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		p.logger.Warnw("Failed to open property store for endpoint",
			"deviceIdx", deviceIdx,
			"error", err)

		return "", fmt.Errorf("open endpoint %d property store: %w", deviceIdx, err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_DeviceDesc, value); err != nil {
		p.logger.Warnw("Failed to get description for device",
			"deviceIdx", deviceIdx,
			"error", err)

		return "", fmt.Errorf("get device %d description: %w", deviceIdx, err)
	}

	// device description i.e. "Headphones"
	description := strings.ToLower(value.String())

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err == nil {

		// USB headsets often describe themselves as "Speakers", the friendly name gives them away
		friendlyName := strings.ToLower(value.String())
		if strings.Contains(friendlyName, "usb") && strings.Contains(friendlyName, "headset") {
			description = "usb headset"
		}
	}

	return description, nil
}

func matchesAny(description string, candidates []string) bool {
	for _, candidate := range candidates {
		if strings.Contains(description, candidate) {
			return true
		}
	}

	return false
}

// must be called on the worker
func (p *wcaPlatform) queryHeadset() (bool, error) {
	descriptions, err := p.renderEndpointDescriptions()
	if err != nil {
		return false, err
	}

	for _, description := range descriptions {
		if matchesAny(description, headsetDescriptions) {
			return true, nil
		}
	}

	return false, nil
}

// must be called on the worker
func (p *wcaPlatform) refreshHeadset() {
	present, err := p.queryHeadset()
	if err != nil {
		p.logger.Debugw("Failed to refresh headset signal", "error", err)
		return
	}

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

// must be called on the worker. The caller releases the returned volume
func (p *wcaPlatform) captureEndpointVolume() (*wca.IAudioEndpointVolume, error) {
	if err := p.getDeviceEnumerator(); err != nil {
		return nil, err
	}

	var mmInDevice *wca.IMMDevice

	if err := p.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ECapture, wca.EConsole, &mmInDevice); err != nil {
		p.logger.Warnw("Failed to call GetDefaultAudioEndpoint (in)", "error", err)
		return nil, fmt.Errorf("call GetDefaultAudioEndpoint (in): %w", err)
	}
	defer mmInDevice.Release()

	var audioEndpointVolume *wca.IAudioEndpointVolume

	if err := win.ActivateDevice(mmInDevice, wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, &audioEndpointVolume); err != nil {
		p.logger.Warnw("Failed to activate AudioEndpointVolume for capture endpoint", "error", err)
		return nil, fmt.Errorf("activate capture endpoint volume: %w", err)
	}

	return audioEndpointVolume, nil
}

// SetSpeakerphoneOn is only tracked: Windows has no speaker/earpiece switch on a single endpoint
func (p *wcaPlatform) SetSpeakerphoneOn(on bool) error {
	p.mu.Lock()
	p.speakerphoneOn = on
	p.mu.Unlock()

	p.logger.Debugw("Speakerphone state changed", "on", on)

	return nil
}

func (p *wcaPlatform) SetMicrophoneMute(mute bool) error {
	err := p.run(func() error {
		volume, err := p.captureEndpointVolume()
		if err != nil {
			return err
		}
		defer volume.Release()

		if err := volume.SetMute(mute, p.eventCtx); err != nil {
			return fmt.Errorf("set capture endpoint mute: %w", err)
		}

		return nil
	})

	if err != nil {
		p.logger.Warnw("Failed to set microphone mute", "mute", mute, "error", err)
		return fmt.Errorf("set microphone mute: %w", err)
	}

	return nil
}

func (p *wcaPlatform) Capture() (route.SavedState, error) {
	var muted bool

	err := p.run(func() error {
		volume, err := p.captureEndpointVolume()
		if err != nil {
			return err
		}
		defer volume.Release()

		if err := volume.GetMute(&muted); err != nil {
			return fmt.Errorf("get capture endpoint mute: %w", err)
		}

		return nil
	})

	if err != nil {
		return route.SavedState{}, fmt.Errorf("capture audio state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return route.SavedState{
		Mode:           p.mode,
		SpeakerphoneOn: p.speakerphoneOn,
		MicrophoneMute: muted,
	}, nil
}

func (p *wcaPlatform) Restore(state route.SavedState) error {
	p.mu.Lock()
	p.mode = state.Mode
	p.speakerphoneOn = state.SpeakerphoneOn
	p.mu.Unlock()

	if err := p.SetMicrophoneMute(state.MicrophoneMute); err != nil {
		return fmt.Errorf("restore audio state: %w", err)
	}

	return nil
}

func (p *wcaPlatform) EnterCommunicationMode() error {
	p.mu.Lock()
	p.mode = route.AudioModeInCommunication
	p.mu.Unlock()

	p.logger.Debug("Entered communication mode")

	return nil
}

func (p *wcaPlatform) HasWiredHeadset() bool {
	var present bool

	err := p.run(func() error {
		var err error
		present, err = p.queryHeadset()
		return err
	})

	if err != nil {
		p.logger.Warnw("Failed to query headset", "error", err)
		return false
	}

	p.mu.Lock()
	p.headset = present
	p.mu.Unlock()

	return present
}

func (p *wcaPlatform) StartWatching(onChange func(bool)) error {
	p.mu.Lock()
	p.onHeadsetChange = onChange
	p.mu.Unlock()

	p.logger.Debug("Watching headset signal")

	return nil
}

func (p *wcaPlatform) StopWatching() {
	p.mu.Lock()
	p.onHeadsetChange = nil
	p.mu.Unlock()

	p.logger.Debug("Stopped watching headset signal")
}

func (p *wcaPlatform) HasEarpiece() bool {
	var found bool

	err := p.run(func() error {
		descriptions, err := p.renderEndpointDescriptions()
		if err != nil {
			return err
		}

		for _, description := range descriptions {
			if matchesAny(description, earpieceDescriptions) {
				found = true
			}
		}

		return nil
	})

	if err != nil {
		p.logger.Warnw("Failed to query earpiece", "error", err)
		return false
	}

	return found
}

func (p *wcaPlatform) Release() error {
	_ = p.run(func() error {

		// skip unregistering the endpoint watcher, as it's not implemented in go-wca
		if p.mmDeviceEnumerator != nil {
			p.mmDeviceEnumerator.Release()
			p.mmDeviceEnumerator = nil
		}

		return nil
	})

	p.workerCancel()

	p.logger.Debug("Released WCA platform instance")

	return nil
}
