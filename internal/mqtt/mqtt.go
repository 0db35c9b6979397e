// Package mqtt publishes the device model to a broker for Home Assistant.
// It announces every device through HA auto-discovery, forwards trait
// changes from the event bus, and relays command topics back into the sync
// core. A StubPublisher stands in when no broker is configured.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/veldhuis/nestd/internal/config"
	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/state"
)

// Publisher sends device state to an MQTT broker.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// deviceSource is the slice of the registry the publisher reads.
type deviceSource interface {
	Devices() []*device.Device
	Device(id string) (*device.Device, bool)
}

// commander relays write requests into the sync core.
type commander interface {
	Send(ctx context.Context, deviceID, command string, payload map[string]any) error
}

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, relays
// command topics to the command sender, and forwards device changes from
// the event bus.
type HAPublisher struct {
	cfg     config.MQTTConfig
	devices deviceSource
	cmds    commander
	bus     *state.EventBus
	log     *slog.Logger

	client pahomqtt.Client

	mu        sync.Mutex
	announced map[string]bool // device ids with discovery published

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a Home Assistant MQTT publisher.
func NewHAPublisher(cfg config.MQTTConfig, devices deviceSource, cmds commander, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:       cfg,
		devices:   devices,
		cmds:      cmds,
		bus:       bus,
		log:       log,
		announced: make(map[string]bool),
		stopC:     make(chan struct{}),
	}
}

// Start connects to the broker, publishes discovery and initial state, and
// begins forwarding event bus updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("bridge", "status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop publishes offline availability and disconnects.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("bridge", "status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *HAPublisher) onConnect() {
	p.publish(p.topic("bridge", "status"), "online", true)

	for _, d := range p.devices.Devices() {
		p.publishDiscovery(d)
		p.publishDeviceState(d)
	}

	p.subscribeCommands()

	// HA birth topic: re-announce everything when HA restarts.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.mu.Lock()
			p.announced = make(map[string]bool)
			p.mu.Unlock()
			for _, d := range p.devices.Devices() {
				p.publishDiscovery(d)
				p.publishDeviceState(d)
			}
		}
	})
}

// --- Discovery ---

func (p *HAPublisher) deviceInfo(d *device.Device) map[string]any {
	info := map[string]any{
		"identifiers":  []string{d.ID},
		"name":         d.Name,
		"manufacturer": "Google Nest",
	}
	if t, ok := d.Trait("model"); ok {
		info["model"] = t.Text
	}
	if t, ok := d.Trait("softwareVersion"); ok {
		info["sw_version"] = t.Text
	}
	return info
}

func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery(d *device.Device) {
	p.mu.Lock()
	if p.announced[d.ID] {
		p.mu.Unlock()
		return
	}
	p.announced[d.ID] = true
	p.mu.Unlock()

	dev := p.deviceInfo(d)
	avail := map[string]any{"topic": p.topic("bridge", "status")}
	stateTopic := p.topic(d.ID, "state")

	entity := func(extra map[string]any) map[string]any {
		base := map[string]any{
			"device":       dev,
			"availability": avail,
		}
		for k, v := range extra {
			base[k] = v
		}
		return base
	}

	switch d.Type {
	case device.TypeThermostat:
		p.publishDiscoveryConfig("climate", d.ID, "thermostat", entity(map[string]any{
			"name":                         d.Name,
			"unique_id":                    d.ID + "_thermostat",
			"current_temperature_topic":    stateTopic,
			"current_temperature_template": "{{ value_json.currentTempC }}",
			"temperature_state_topic":      stateTopic,
			"temperature_state_template":   "{{ value_json.targetTempC }}",
			"temperature_command_topic":    p.topic(d.ID, "target_temperature/set"),
			"mode_state_topic":             stateTopic,
			"mode_state_template":          "{{ {'heat':'heat','cool':'cool','range':'heat_cool','off':'off'}[value_json.hvacMode] | default('off') }}",
			"mode_command_topic":           p.topic(d.ID, "hvac_mode/set"),
			"modes":                        []string{"heat", "cool", "heat_cool", "off"},
			"temperature_unit":             "C",
			"temp_step":                    0.5,
		}))
		p.publishDiscoveryConfig("sensor", d.ID, "humidity", entity(map[string]any{
			"name":                d.Name + " Humidity",
			"unique_id":           d.ID + "_humidity",
			"state_topic":         stateTopic,
			"value_template":      "{{ value_json.currentHumidity }}",
			"unit_of_measurement": "%",
			"device_class":        "humidity",
			"state_class":         "measurement",
		}))

	case device.TypeCamera, device.TypeDoorbell, device.TypeCameraIQ:
		p.publishDiscoveryConfig("switch", d.ID, "streaming", entity(map[string]any{
			"name":           d.Name + " Streaming",
			"unique_id":      d.ID + "_streaming",
			"state_topic":    stateTopic,
			"value_template": "{{ 'ON' if value_json.streamingState == 'streaming-enabled' else 'OFF' }}",
			"command_topic":  p.topic(d.ID, "streaming/set"),
			"payload_on":     "ON",
			"payload_off":    "OFF",
		}))
		p.publishDiscoveryConfig("switch", d.ID, "audio_input", entity(map[string]any{
			"name":           d.Name + " Audio Input",
			"unique_id":      d.ID + "_audio_input",
			"state_topic":    stateTopic,
			"value_template": "{{ 'ON' if value_json.audioInputEnabled else 'OFF' }}",
			"command_topic":  p.topic(d.ID, "audio_input/set"),
			"payload_on":     "ON",
			"payload_off":    "OFF",
		}))

	case device.TypeProtect:
		p.publishDiscoveryConfig("binary_sensor", d.ID, "smoke", entity(map[string]any{
			"name":           d.Name + " Smoke",
			"unique_id":      d.ID + "_smoke",
			"state_topic":    stateTopic,
			"value_template": "{{ 'ON' if value_json.smokeStatus | default(0) > 0 else 'OFF' }}",
			"device_class":   "smoke",
		}))
		p.publishDiscoveryConfig("binary_sensor", d.ID, "co", entity(map[string]any{
			"name":           d.Name + " CO",
			"unique_id":      d.ID + "_co",
			"state_topic":    stateTopic,
			"value_template": "{{ 'ON' if value_json.coStatus | default(0) > 0 else 'OFF' }}",
			"device_class":   "carbon_monoxide",
		}))
		p.publishDiscoveryConfig("switch", d.ID, "night_light", entity(map[string]any{
			"name":           d.Name + " Night Light",
			"unique_id":      d.ID + "_night_light",
			"state_topic":    stateTopic,
			"value_template": "{{ 'ON' if value_json.nightLightEnabled else 'OFF' }}",
			"command_topic":  p.topic(d.ID, "night_light/set"),
			"payload_on":     "ON",
			"payload_off":    "OFF",
		}))
		p.publishDiscoveryConfig("switch", d.ID, "status_led", entity(map[string]any{
			"name":            d.Name + " Status LED",
			"unique_id":       d.ID + "_status_led",
			"state_topic":     stateTopic,
			"value_template":  "{{ 'ON' if value_json.statusLEDEnabled else 'OFF' }}",
			"command_topic":   p.topic(d.ID, "status_led/set"),
			"payload_on":      "ON",
			"payload_off":     "OFF",
			"entity_category": "config",
		}))

	case device.TypeTemperatureSensor:
		p.publishDiscoveryConfig("sensor", d.ID, "temperature", entity(map[string]any{
			"name":                d.Name + " Temperature",
			"unique_id":           d.ID + "_temperature",
			"state_topic":         stateTopic,
			"value_template":      "{{ value_json.currentTempC }}",
			"unit_of_measurement": "°C",
			"device_class":        "temperature",
			"state_class":         "measurement",
		}))
		p.publishDiscoveryConfig("sensor", d.ID, "battery", entity(map[string]any{
			"name":                d.Name + " Battery",
			"unique_id":           d.ID + "_battery",
			"state_topic":         stateTopic,
			"value_template":      "{{ value_json.batteryLevel }}",
			"unit_of_measurement": "%",
			"device_class":        "battery",
		}))
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, deviceID, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, deviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// --- Command subscriptions ---

// mqttCommands maps a command topic leaf to the sync-core command it carries
// and how its payload parses.
var mqttCommands = map[string]struct {
	command string
	payload func(raw string) (map[string]any, error)
}{
	"streaming":   {"set_streaming", onOffPayload},
	"audio_input": {"set_audio_input", onOffPayload},
	"night_light": {"set_night_light", onOffPayload},
	"status_led":  {"set_status_led", onOffPayload},
	"target_temperature": {"set_target_temperature", func(raw string) (map[string]any, error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("not a temperature: %q", raw)
		}
		return map[string]any{"temperature": v}, nil
	}},
	"hvac_mode": {"set_hvac_mode", func(raw string) (map[string]any, error) {
		mode := strings.TrimSpace(raw)
		if mode == "heat_cool" {
			mode = "range"
		}
		return map[string]any{"mode": mode}, nil
	}},
}

func onOffPayload(raw string) (map[string]any, error) {
	return map[string]any{"enabled": strings.EqualFold(strings.TrimSpace(raw), "ON")}, nil
}

func (p *HAPublisher) subscribeCommands() {
	// {prefix}/{device_id}/{leaf}/set
	filter := p.cfg.TopicPrefix + "/+/+/set"
	token := p.client.Subscribe(filter, 1, p.handleCommand)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topics", "filter", filter, "error", err)
	}
}

func (p *HAPublisher) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 {
		return
	}
	deviceID, leaf := parts[len(parts)-3], parts[len(parts)-2]

	spec, ok := mqttCommands[leaf]
	if !ok {
		p.log.Warn("unknown command topic", "topic", msg.Topic())
		return
	}
	payload, err := spec.payload(string(msg.Payload()))
	if err != nil {
		p.log.Error("bad command payload", "topic", msg.Topic(), "error", err)
		return
	}

	p.log.Info("MQTT command", "device_id", deviceID, "command", spec.command)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cmds.Send(ctx, deviceID, spec.command, payload); err != nil {
		p.log.Error("command failed", "device_id", deviceID, "command", spec.command, "error", err)
	}
}

// --- State publishing ---

func (p *HAPublisher) publishDeviceState(d *device.Device) {
	data, err := json.Marshal(d.Traits)
	if err != nil {
		p.log.Error("failed to marshal device state", "device_id", d.ID, "error", err)
		return
	}
	p.publish(p.topic(d.ID, "state"), string(data), true)
}

// --- Event bus loop ---

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventDeviceChanged:
		d, ok := evt.Data.(*device.Device)
		if !ok {
			p.log.Warn("unexpected data type for device_changed")
			return
		}
		// Devices that joined mid-session get announced on first sight.
		p.publishDiscovery(d)
		p.publishDeviceState(d)

	case state.EventStreamConnected:
		p.publish(p.topic("bridge", "status"), "online", true)

	case state.EventStreamDisconnected, state.EventAuthRequired:
		p.publish(p.topic("bridge", "status"), "offline", true)
	}
}

// --- Helpers ---

// topic builds {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, deviceID, suffix)
}

func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}
