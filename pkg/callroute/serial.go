package callroute

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

type VIDPID struct {
	VID uint64
	PID uint64
}

// JackSensor reads the headphone jack state from an Arduino wired to the jack's
// detect pin and serves it as the wired headset signal
type JackSensor struct {
	comPort  string
	baudRate int

	app    *CallRoute
	logger *zap.SugaredLogger

	// set when the sensor replaced the platform's headset source, fixed for the process lifetime
	attached bool

	stopChannel chan struct{}
	errChannel  chan error
	wg          sync.WaitGroup
	running     bool
	port        serial.Port
	mode        serial.Mode

	// serial.Open, swapped out in tests
	openPort func(name string, mode *serial.Mode) (serial.Port, error)

	mu       sync.Mutex
	settings JackSensorConfig
	known    bool
	plugged  bool
	onChange func(bool)
}

const (
	comPortAuto = "auto"

	jackRetryDelay = 2 * time.Second
)

var ErrNoSerialPorts = errors.New("no serial ports found")
var errJackSensorStopped = errors.New("jack sensor stopped")
var ErrAutoPortNotFound = errors.New("can't autodetect com port")

// Arduino Nano (CH340)
var allowedVIDPIDs = []VIDPID{{0x1A86, 0x7523}}

// one line per state change or heartbeat: "1" plugged, "0" unplugged
var expectedLinePattern = regexp.MustCompile(`^[01]\r?\n$`)

// NewJackSensor creates a JackSensor that uses the provided app's connection info
func NewJackSensor(app *CallRoute, logger *zap.SugaredLogger) (*JackSensor, error) {
	logger = logger.Named("jack_sensor")

	js := &JackSensor{
		app:        app,
		logger:     logger,
		port:     nil,
		openPort: serial.Open,
	}

	logger.Debug("Created jack sensor instance")

	return js, nil
}

func (js *JackSensor) connect() error {
	// don't allow multiple concurrent connections
	if js.port != nil {
		js.logger.Warn("Already connected, can't start another without closing first")
		return errors.New("serial: connection already active")
	}

	js.mu.Lock()
	settings := js.settings
	js.mu.Unlock()

	js.comPort = settings.COMPort
	js.baudRate = settings.BaudRate

	if js.comPort == comPortAuto {
		port, err := js.autodetectPort()
		if err != nil {
			return err
		}

		js.comPort = port
	}

	js.mode = serial.Mode{
		BaudRate: js.baudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	js.logger.Debugw("Attempting serial connection",
		"comPort", js.comPort,
		"baudRate", js.mode.BaudRate)

	port, err := js.openPort(js.comPort, &js.mode)
	if err != nil {
		js.logger.Warnw("Failed to open serial connection", "error", err)
		return fmt.Errorf("open serial port: %w", err)
	}

	if err := port.SetReadTimeout(3 * time.Second); err != nil {
		js.logger.Warnw("Failed to set read timeout", "error", err)
	}

	js.port = port

	return nil
}

func (js *JackSensor) autodetectPort() (string, error) {
	js.logger.Info("Trying to autodetect serial port")

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		js.logger.Errorw("Failed to enumerate serial ports, retrying", "error", err)
		return "", ErrNoSerialPorts
	}

	if len(ports) == 0 {
		js.logger.Warn("No serial ports found, retrying")
		return "", ErrNoSerialPorts
	}

	for _, port := range ports {
		js.logger.Debugf("Found port: %s", port.Name)

		if !port.IsUSB {
			continue
		}

		js.logger.Debugf("   USB ID     %s:%s", port.VID, port.PID)

		vid, _ := strconv.ParseUint(port.VID, 16, 16)
		pid, _ := strconv.ParseUint(port.PID, 16, 16)

		for _, vidpid := range allowedVIDPIDs {
			if vid == vidpid.VID && pid == vidpid.PID {
				js.logger.Infow("Found COM port", "com", port.Name, "vid", port.VID, "pid", port.PID)
				return port.Name, nil
			}
		}
	}

	js.logger.Warn("COM port not found, retrying")

	return "", ErrAutoPortNotFound
}

// Start connects to the sensor in the background, reconnecting until stopped
func (js *JackSensor) Start() {
	js.mu.Lock()
	js.settings = js.app.config.JackSensorSettings()
	js.mu.Unlock()

	js.running = true
	js.stopChannel = make(chan struct{})

	// errors of a previous run must not look like a fresh disconnect
	js.errChannel = make(chan error, 1)

	js.logger.Info("Jack sensor starting")
	js.wg.Add(1)
	go js.managerLoop(js.stopChannel, js.errChannel)
}

// Stop shuts down the serial connection, if one is active
func (js *JackSensor) Stop() {
	if !js.running {
		return
	}

	js.running = false
	close(js.stopChannel)

	// the manager loop closes the port on its way out, which releases a blocked read
	js.wg.Wait()
	js.closePort()
	js.logger.Info("Jack sensor stopped")
}

// Enabled reports whether a serial port is configured at all
func (js *JackSensor) Enabled() bool {
	return js.app.config.JackSensorSettings().COMPort != ""
}

func (js *JackSensor) setupOnConfigReload() {
	configReloadedChannel := js.app.config.SubscribeToChanges()

	go func() {
		for {
			<-configReloadedChannel

			if !js.attached {
				continue
			}

			// if connection params have changed, attempt to stop and start the connection
			js.mu.Lock()
			current := js.settings
			js.mu.Unlock()

			if js.app.config.JackSensorSettings() != current {
				js.logger.Info("Detected change in connection parameters, attempting to renew connection")
				js.Stop()

				// let the connection close
				time.Sleep(jackRetryDelay)

				if js.Enabled() {
					js.Start()
				}
			}
		}
	}()
}

// manages the serial connection and retries. It owns js.port until it returns
func (js *JackSensor) managerLoop(stopChannel <-chan struct{}, errChannel chan error) {
	defer js.wg.Done()

	for {
		select {
		case <-stopChannel:
			js.logger.Debug("managerLoop: stop signal")
			return
		default:
		}

		js.logger.Info("Trying serial connection")
		if err := js.connect(); err != nil {
			js.logger.Warnw("Serial connection error. Trying again... ", "error", err)

			select {
			case <-time.After(jackRetryDelay):
				continue
			case <-stopChannel:
				return
			}
		}

		namedLogger := js.logger.Named(strings.ToLower(js.comPort))
		namedLogger.Infow("Connected", "port", js.comPort)

		js.app.notify("ComPortConnectedNotificationTitle", "Connected to {{.ComPort}}.",
			"ComPortConnectedNotificationDescription", "Headphone jack sensor is online.",
			map[string]string{"ComPort": js.comPort})

		js.wg.Add(1)
		go js.readLoop(namedLogger, js.port, stopChannel, errChannel)

		select {
		case err := <-errChannel:
			js.logger.Warnw("Read line error", "error", err)

			js.app.notify("ComPortDisconnectedNotificationTitle", "Disconnected from {{.ComPort}} due to an error.",
				"ComPortDisconnectedNotificationDescription", "Trying to reconnect.",
				map[string]string{"ComPort": js.comPort})

			js.closePort()

			// the jack state is unknown until the sensor reports again
			js.mu.Lock()
			js.known = false
			js.mu.Unlock()

			select {
			case <-time.After(jackRetryDelay):
				continue
			case <-stopChannel:
				return
			}

		case <-stopChannel:
			js.logger.Debug("managerLoop: stop signal")
			js.closePort()
			return
		}
	}
}

// patientReader reads through read timeouts, which go.bug.st/serial reports as (0, nil).
// The sensor only talks when the jack changes, so long silences are normal
type patientReader struct {
	port serial.Port
	stop <-chan struct{}
}

func (pr patientReader) Read(p []byte) (int, error) {
	for {
		n, err := pr.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}

		select {
		case <-pr.stop:
			return 0, errJackSensorStopped
		default:
		}
	}
}

func (js *JackSensor) readLoop(logger *zap.SugaredLogger, port serial.Port, stopChannel <-chan struct{}, errChannel chan<- error) {
	defer js.wg.Done()

	reader := bufio.NewReader(patientReader{port: port, stop: stopChannel})
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-stopChannel:
				logger.Debug("readLoop: stop signal")
			default:
				errChannel <- fmt.Errorf("read line: %w", err)
			}
			return
		}

		if js.app.Verbose() {
			logger.Debugw("Read new line", "line", line)
		}

		js.handleLine(logger, line)
	}
}

func (js *JackSensor) closePort() {
	if js.port == nil {
		return
	}

	if err := js.port.Close(); err != nil {
		js.logger.Warnw("Failed to close serial connection", "error", err)
	} else {
		js.logger.Debug("Serial connection closed")
	}

	js.port = nil
}

func (js *JackSensor) handleLine(logger *zap.SugaredLogger, line string) {
	// lines may carry garbage while the board resets, just ignore bad ones
	if !expectedLinePattern.MatchString(line) {
		return
	}

	plugged := strings.HasPrefix(line, "1")

	js.mu.Lock()
	changed := !js.known || js.plugged != plugged
	js.known = true
	js.plugged = plugged
	onChange := js.onChange
	js.mu.Unlock()

	if !changed {
		return
	}

	logger.Infow("Jack state changed", "plugged", plugged)

	if onChange != nil {
		onChange(plugged)
	}
}

// HasWiredHeadset reports the last state the sensor sent, unplugged while unknown
func (js *JackSensor) HasWiredHeadset() bool {
	js.mu.Lock()
	defer js.mu.Unlock()

	return js.known && js.plugged
}

func (js *JackSensor) StartWatching(onChange func(bool)) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.onChange = onChange

	return nil
}

func (js *JackSensor) StopWatching() {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.onChange = nil
}
