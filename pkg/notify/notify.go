package notify

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/icon"
)

type Notifier interface {
	Notify(title string, message string)
}

// notifyFunc matches beeep.Notify
type notifyFunc func(title, message, appIcon string) error

// DesktopNotifier shows native desktop notifications
type DesktopNotifier struct {
	logger      *zap.SugaredLogger
	appIconPath string
	notify      notifyFunc
}

// NewDesktopNotifier creates a DesktopNotifier, placing the app icon in the temp dir for the OS to pick up
func NewDesktopNotifier(logger *zap.SugaredLogger) (*DesktopNotifier, error) {
	logger = logger.Named("notifier")

	appIconPath := filepath.Join(os.TempDir(), "callroute.ico")
	if err := os.WriteFile(appIconPath, icon.CallRouteLogo, 0o644); err != nil {
		logger.Warnw("Failed to write notification icon", "path", appIconPath, "error", err)
		return nil, fmt.Errorf("write notification icon: %w", err)
	}

	dn := &DesktopNotifier{logger: logger, appIconPath: appIconPath, notify: beeep.Notify}

	logger.Debug("Created desktop notifier instance")

	return dn, nil
}

func (dn *DesktopNotifier) Notify(title string, message string) {
	if err := dn.notify(title, message, dn.appIconPath); err != nil {
		dn.logger.Errorw("Failed to send desktop notification", "error", err)
	}
}
