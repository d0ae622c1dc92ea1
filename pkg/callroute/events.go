package callroute

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

// RouteEventType represents different types of routing events
type RouteEventType string

const (
	RouteEventDeviceChanged RouteEventType = "audio-device-changed"
	RouteEventSnapshot      RouteEventType = "routing-snapshot"
)

const eventWriteTimeout = 5 * time.Second

// RouteEvent represents a websocket routing event
type RouteEvent struct {
	Type RouteEventType `json:"type"`
	Data interface{}    `json:"data"`
}

// DeviceChangedData is the payload of audio-device-changed
type DeviceChangedData struct {
	Selected  route.Device    `json:"selected"`
	Available route.DeviceSet `json:"available"`
}

type eventSubscriber struct {
	conn   *websocket.Conn
	ctx    context.Context
	logger *zap.SugaredLogger
}

// EventBroadcaster fans routing events out to websocket subscribers
type EventBroadcaster struct {
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers map[string]*eventSubscriber
}

// NewEventBroadcaster creates an EventBroadcaster with no subscribers
func NewEventBroadcaster(logger *zap.SugaredLogger) *EventBroadcaster {
	logger = logger.Named("events")

	eb := &EventBroadcaster{
		logger:      logger,
		subscribers: make(map[string]*eventSubscriber),
	}

	logger.Debug("Created event broadcaster instance")

	return eb
}

// Subscribe adds a websocket connection and sends it initial before any broadcast event
func (eb *EventBroadcaster) Subscribe(ctx context.Context, connectionID string, conn *websocket.Conn, initial RouteEvent) {
	subscriber := &eventSubscriber{
		conn:   conn,
		ctx:    ctx,
		logger: eb.logger.With("connectionID", connectionID),
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	// written under the lock so no broadcast can overtake it
	if !eb.sendToSubscriber(subscriber, initial) {
		return
	}

	eb.subscribers[connectionID] = subscriber
	subscriber.logger.Debug("Events subscription added")
}

// Unsubscribe removes a websocket connection
func (eb *EventBroadcaster) Unsubscribe(connectionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	delete(eb.subscribers, connectionID)
	eb.logger.Debugw("Events subscription removed", "connectionID", connectionID)
}

// SubscriberCount returns the number of live subscriptions
func (eb *EventBroadcaster) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	return len(eb.subscribers)
}

// BroadcastDeviceChanged sends an audio-device-changed event to every subscriber
func (eb *EventBroadcaster) BroadcastDeviceChanged(selected route.Device, available route.DeviceSet) {
	eb.broadcast(RouteEvent{
		Type: RouteEventDeviceChanged,
		Data: DeviceChangedData{Selected: selected, Available: available},
	})
}

func (eb *EventBroadcaster) broadcast(event RouteEvent) {
	eb.mu.RLock()
	subscribersCopy := make(map[string]*eventSubscriber, len(eb.subscribers))
	for id, sub := range eb.subscribers {
		subscribersCopy[id] = sub
	}
	eb.mu.RUnlock()

	var failedSubscribers []string

	for connectionID, subscriber := range subscribersCopy {
		if !eb.sendToSubscriber(subscriber, event) {
			failedSubscribers = append(failedSubscribers, connectionID)
		}
	}

	if len(failedSubscribers) > 0 {
		eb.mu.Lock()
		for _, connectionID := range failedSubscribers {
			delete(eb.subscribers, connectionID)
			eb.logger.Warnw("Removed failed events subscriber", "connectionID", connectionID)
		}
		eb.mu.Unlock()
	}
}

func (eb *EventBroadcaster) sendToSubscriber(subscriber *eventSubscriber, event RouteEvent) bool {
	if subscriber.ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(subscriber.ctx, eventWriteTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, subscriber.conn, event); err != nil {
		// closed connections are expected
		if strings.Contains(err.Error(), "use of closed network connection") ||
			strings.Contains(err.Error(), "connection reset by peer") ||
			strings.Contains(err.Error(), "context canceled") {
			subscriber.logger.Debugw("Websocket connection closed during event send", "error", err)
		} else {
			subscriber.logger.Warnw("Failed to send event to subscriber", "error", err)
		}

		return false
	}

	return true
}
