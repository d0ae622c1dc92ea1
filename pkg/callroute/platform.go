package callroute

import (
	"errors"

	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

// audioPlatform is an OS audio stack that can serve as every routing collaborator
type audioPlatform interface {
	Platform() route.Platform

	Release() error
}

var errBackendUnsupported = errors.New("backend isn't supported on this system")

// the mode the system is assumed to be in before a call takes over
const audioModeNormal route.AudioMode = "normal"

func newPlatform(logger *zap.SugaredLogger, config *CanonicalConfig) (audioPlatform, error) {
	if config.Backend == backendMemory {
		logger.Infow("Using in-memory audio platform", "backend", config.Backend)
		return newMemoryPlatform(logger), nil
	}

	return newSystemPlatform(logger, config)
}

// grantingFocus is the focus controller of desktop systems, which have no
// audio focus arbitration: every request is granted
type grantingFocus struct {
	logger *zap.SugaredLogger
	held   bool
}

func newGrantingFocus(logger *zap.SugaredLogger) *grantingFocus {
	return &grantingFocus{logger: logger.Named("focus")}
}

func (gf *grantingFocus) RequestFocus(_ func(route.FocusChange)) route.FocusResult {
	gf.held = true
	gf.logger.Debug("Granted audio focus")

	return route.FocusGranted
}

func (gf *grantingFocus) ReleaseFocus() error {
	gf.held = false
	gf.logger.Debug("Released audio focus")

	return nil
}

// memoryPlatform keeps everything in process, for headless runs and for trying things out over HTTP
type memoryPlatform struct {
	*route.MemoryPlatform
	logger *zap.SugaredLogger
}

func newMemoryPlatform(logger *zap.SugaredLogger) *memoryPlatform {
	mp := &memoryPlatform{
		MemoryPlatform: route.NewMemoryPlatform(route.SavedState{Mode: audioModeNormal}, true),
		logger:         logger.Named("memory_platform"),
	}

	mp.logger.Debug("Created in-memory platform instance")

	return mp
}

func (mp *memoryPlatform) Release() error {
	mp.logger.Debug("Released in-memory platform")
	return nil
}
