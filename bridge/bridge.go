// Package bridge publishes sauna snapshots to MQTT and turns MQTT commands into controller writes.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"ffes2mqtt/ffes"

	average "github.com/RobinUS2/golang-moving-average"
	"go.uber.org/zap"
)

const ONLINE = "online"
const OFFLINE = "offline"

const DefaultAverageWindow = 30
const DefaultCommandTimeout = 30 * time.Second

type Publish func(topic string, qos byte, retained bool, payload string) error
type Subscribe func(topic string, callback func(message string)) error

// Device is what the bridge needs from the watcher.
type Device interface {
	ffes.Device
	Available() bool
	Refresh(ctx context.Context) error
	OnUpdate(callback func(s ffes.Snapshot, available bool))
}

type Config struct {
	ModuleName     string
	TopicPrefix    string
	Publish        Publish
	Subscribe      Subscribe
	Device         Device
	AverageWindow  int
	CommandTimeout time.Duration
	Logger         *zap.Logger
}

type Bridge struct {
	Config
	controller *ffes.Controller
	lock       sync.Mutex
	last       map[string]string
	temp       *average.MovingAverage
	registered bool
	samples    int
}

func New(config *Config) *Bridge {
	b := &Bridge{
		Config: *config,
		last:   make(map[string]string),
	}
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	if b.AverageWindow <= 0 {
		b.AverageWindow = DefaultAverageWindow
	}
	if b.CommandTimeout <= 0 {
		b.CommandTimeout = DefaultCommandTimeout
	}
	b.temp = average.New(b.AverageWindow)
	b.controller = ffes.NewController(&ffes.ControllerConfig{Device: b.Device, Logger: b.Logger})
	return b
}

// AvailabilityTopic is also meant to be used as the MQTT last will.
func AvailabilityTopic(prefix, module string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, module, "availability")
}

func (b *Bridge) topic(subtopic string) string {
	return fmt.Sprintf("%s/%s/%s", b.TopicPrefix, b.ModuleName, subtopic)
}

// Start subscribes to every command topic and republishes the full state.
// Call it again after the MQTT session changed.
func (b *Bridge) Start() error {
	b.lock.Lock()
	b.last = make(map[string]string)
	first := !b.registered
	b.registered = true
	b.lock.Unlock()

	for i := range ffes.Fields {
		f := &ffes.Fields[i]
		if !f.Writable() {
			continue
		}
		if err := b.subscribe(f.Key+"/set", b.fieldCommand(f)); err != nil {
			return err
		}
	}
	commands := map[string]func(ctx context.Context, message string) error{
		"temperature_set/set": b.setTemperature,
		"profile/set":         b.controller.SetProfile,
		"mode/set":            b.controller.SetHVACMode,
		"session/start":       b.startSession,
		"session/stop": func(ctx context.Context, message string) error {
			return b.controller.StopSession(ctx)
		},
		"refresh": func(ctx context.Context, message string) error {
			return b.Device.Refresh(ctx)
		},
	}
	for subtopic, command := range commands {
		if err := b.subscribe(subtopic, command); err != nil {
			return err
		}
	}

	if first {
		b.Device.OnUpdate(b.onUpdate)
	}
	s, ok := b.Device.Snapshot()
	if !ok {
		b.publish("availability", OFFLINE)
		return nil
	}
	b.publishState(s, b.Device.Available(), false)
	return nil
}

func (b *Bridge) subscribe(subtopic string, command func(ctx context.Context, message string) error) error {
	topic := b.topic(subtopic)
	err := b.Subscribe(topic, func(message string) {
		ctx, cancel := context.WithTimeout(context.Background(), b.CommandTimeout)
		defer cancel()
		message = strings.TrimSpace(message)
		if err := command(ctx, message); err != nil {
			b.Logger.Error("command failed", zap.String("topic", topic), zap.String("payload", message), zap.Error(err))
			return
		}
		b.Logger.Debug("command done", zap.String("topic", topic), zap.String("payload", message))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *Bridge) fieldCommand(f *ffes.Field) func(ctx context.Context, message string) error {
	if f.Component == ffes.COMPONENT_SWITCH {
		return func(ctx context.Context, message string) error {
			on, err := parseSwitch(message)
			if err != nil {
				return err
			}
			return b.controller.SetSwitch(ctx, f.Key, on)
		}
	}
	return func(ctx context.Context, message string) error {
		v, err := parseNumber(message)
		if err != nil {
			return err
		}
		return b.controller.SetNumber(ctx, f.Key, v)
	}
}

func (b *Bridge) setTemperature(ctx context.Context, message string) error {
	t, err := parseNumber(message)
	if err != nil {
		return err
	}
	return b.controller.SetTemperature(ctx, t)
}

func (b *Bridge) startSession(ctx context.Context, message string) error {
	var session ffes.Session
	if err := json.Unmarshal([]byte(message), &session); err != nil {
		return fmt.Errorf("cannot parse session %q: %w", message, err)
	}
	return b.controller.StartSession(ctx, session)
}

func parseNumber(message string) (int, error) {
	f, err := strconv.ParseFloat(message, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse number %q: %w", message, err)
	}
	return int(math.Round(f)), nil
}

func parseSwitch(message string) (bool, error) {
	switch strings.ToUpper(message) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	on, err := strconv.ParseBool(message)
	if err != nil {
		return false, fmt.Errorf("cannot parse switch state %q: %w", message, err)
	}
	return on, nil
}

// onUpdate publishes every field whose rendered value changed.
func (b *Bridge) onUpdate(s ffes.Snapshot, available bool) {
	b.publishState(s, available, true)
}

// publishState feeds the average only for fresh polls, a restart republishes it as is.
func (b *Bridge) publishState(s ffes.Snapshot, available bool, sample bool) {
	if !available {
		b.publish("availability", OFFLINE)
		return
	}
	b.publish("availability", ONLINE)
	for i := range ffes.Fields {
		f := &ffes.Fields[i]
		b.publish(f.Key, f.Value(&s))
	}

	b.lock.Lock()
	if sample || b.samples == 0 {
		b.temp.Add(float64(s.TemperatureActual))
		b.samples++
	}
	avg := math.Round(b.temp.Avg()*10) / 10
	b.lock.Unlock()
	b.publish("temperature_average", strconv.FormatFloat(avg, 'f', -1, 64))
}

func (b *Bridge) publish(subtopic, payload string) {
	b.lock.Lock()
	if last, ok := b.last[subtopic]; ok && last == payload {
		b.lock.Unlock()
		return
	}
	b.last[subtopic] = payload
	b.lock.Unlock()

	topic := b.topic(subtopic)
	if err := b.Publish(topic, 0, true, payload); err != nil {
		b.Logger.Warn("cannot publish", zap.String("topic", topic), zap.Error(err))
		b.lock.Lock()
		delete(b.last, subtopic)
		b.lock.Unlock()
	}
}
