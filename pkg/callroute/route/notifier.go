package route

// Listener is told whenever the selected device or the set of available devices changes
type Listener interface {
	OnAudioDeviceChanged(selected Device, available DeviceSet)
}

// ListenerFunc adapts a plain function to the Listener interface
type ListenerFunc func(selected Device, available DeviceSet)

func (f ListenerFunc) OnAudioDeviceChanged(selected Device, available DeviceSet) {
	f(selected, available)
}

// changeNotifier holds at most one listener
type changeNotifier struct {
	listener Listener
}

func (n *changeNotifier) set(listener Listener) {
	n.listener = listener
}

func (n *changeNotifier) clear() {
	n.listener = nil
}

func (n *changeNotifier) emit(selected Device, available DeviceSet) {
	if n.listener == nil {
		return
	}
	n.listener.OnAudioDeviceChanged(selected, available)
}
