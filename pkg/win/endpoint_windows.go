// Package win fills the gaps of go-wca that endpoint watching runs into
package win

import (
	"reflect"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
)

// EndpointCallback receives every endpoint change. The device ID is empty
// when Windows doesn't name one
type EndpointCallback func(reason string, deviceID string)

// EndpointWatcher is an IMMNotificationClient that funnels add, remove,
// state and default changes into one callback
type EndpointWatcher struct {
	vTable   *endpointWatcherVtbl
	refCount int
	onChange EndpointCallback
}

type endpointWatcherVtbl struct {
	ole.IUnknownVtbl
	OnDeviceStateChanged   uintptr
	OnDeviceAdded          uintptr
	OnDeviceRemoved        uintptr
	OnDefaultDeviceChanged uintptr
	OnPropertyValueChanged uintptr
}

const maxDeviceIDLength = 1024

func ewQueryInterface(this uintptr, riid *ole.GUID, ppInterface *uintptr) int64 {
	*ppInterface = 0

	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, wca.IID_IMMNotificationClient) {
		ewAddRef(this)
		*ppInterface = this
		return ole.S_OK
	}

	return ole.E_NOINTERFACE
}

func ewAddRef(this uintptr) int64 {
	ew := (*EndpointWatcher)(unsafe.Pointer(this))
	ew.refCount++
	return int64(ew.refCount)
}

func ewRelease(this uintptr) int64 {
	ew := (*EndpointWatcher)(unsafe.Pointer(this))
	ew.refCount--
	return int64(ew.refCount)
}

func ewOnDeviceStateChanged(this uintptr, pwstrDeviceId uintptr, dwNewState uintptr) int64 {
	(*EndpointWatcher)(unsafe.Pointer(this)).emit("state", pwstrDeviceId)
	return ole.S_OK
}

func ewOnDeviceAdded(this uintptr, pwstrDeviceId uintptr) int64 {
	(*EndpointWatcher)(unsafe.Pointer(this)).emit("added", pwstrDeviceId)
	return ole.S_OK
}

func ewOnDeviceRemoved(this uintptr, pwstrDeviceId uintptr) int64 {
	(*EndpointWatcher)(unsafe.Pointer(this)).emit("removed", pwstrDeviceId)
	return ole.S_OK
}

func ewOnDefaultDeviceChanged(this uintptr, flow, role uint64, pwstrDeviceId uintptr) int64 {
	// captures don't change which outputs exist
	if wca.EDataFlow(flow) != wca.ERender {
		return ole.S_OK
	}

	(*EndpointWatcher)(unsafe.Pointer(this)).emit("default", pwstrDeviceId)
	return ole.S_OK
}

func ewOnPropertyValueChanged(this uintptr, pwstrDeviceId uintptr, key uintptr) int64 {
	// fires constantly for volume and format tweaks, which never add or remove a headset
	return ole.S_OK
}

func (ew *EndpointWatcher) emit(reason string, pwstrDeviceId uintptr) {
	if ew.onChange == nil {
		return
	}

	deviceID := ""
	if pwstrDeviceId != 0 {
		deviceID = wca.LPCWSTRToString(pwstrDeviceId, maxDeviceIDLength)
	}

	ew.onChange(reason, deviceID)
}

// NewEndpointWatcher creates a watcher. Register it with
// IMMDeviceEnumerator.RegisterEndpointNotificationCallback(w.ToWCA())
func NewEndpointWatcher(onChange EndpointCallback) *EndpointWatcher {
	vTable := &endpointWatcherVtbl{}

	vTable.QueryInterface = syscall.NewCallback(ewQueryInterface)
	vTable.AddRef = syscall.NewCallback(ewAddRef)
	vTable.Release = syscall.NewCallback(ewRelease)

	vTable.OnDeviceStateChanged = syscall.NewCallback(ewOnDeviceStateChanged)
	vTable.OnDeviceAdded = syscall.NewCallback(ewOnDeviceAdded)
	vTable.OnDeviceRemoved = syscall.NewCallback(ewOnDeviceRemoved)
	vTable.OnDefaultDeviceChanged = syscall.NewCallback(ewOnDefaultDeviceChanged)
	vTable.OnPropertyValueChanged = syscall.NewCallback(ewOnPropertyValueChanged)

	return &EndpointWatcher{vTable: vTable, onChange: onChange}
}

// ToWCA returns the pointer cast to wca.IMMNotificationClient for use with WCA functions
func (ew *EndpointWatcher) ToWCA() *wca.IMMNotificationClient {
	return (*wca.IMMNotificationClient)(unsafe.Pointer(ew))
}

// ActivateDevice calls IMMDevice::Activate passing the class context by value.
// go-wca passes it by pointer, which fails with E_INVALIDARG in VMs over RDP
func ActivateDevice(mmd *wca.IMMDevice, refIID *ole.GUID, clsctx uint32, obj interface{}) error {
	objValue := reflect.ValueOf(obj).Elem()

	hr, _, _ := syscall.SyscallN(
		mmd.VTable().Activate,
		uintptr(unsafe.Pointer(mmd)),
		uintptr(unsafe.Pointer(refIID)),
		uintptr(clsctx),
		0,
		objValue.Addr().Pointer())

	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}
