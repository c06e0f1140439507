package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
)

const mqttPublishTimeout = 10 * time.Second

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each event to <prefix>/<event type>, e.g.
// rota/alert.created, for ward displays and pagers.
type MQTTSink struct {
	client Publisher
	prefix string
	qos    byte
	filter eventFilter
	close  func()
}

func DialMQTTSink(cfg config.MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.Broker, token.Error())
	}
	sink := NewMQTTSink(client, cfg.TopicPrefix, cfg.QoS, cfg.Events)
	sink.close = func() { client.Disconnect(250) }
	return sink, nil
}

func NewMQTTSink(client Publisher, prefix string, qos byte, types []string) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: strings.TrimRight(prefix, "/"),
		qos:    qos,
		filter: newEventFilter(types),
	}
}

func (s *MQTTSink) Name() string { return "mqtt:" + s.prefix }

func (s *MQTTSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *MQTTSink) Topic(eventType string) string {
	return s.prefix + "/" + eventType
}

func (s *MQTTSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(evt.Type), s.qos, false, data)
	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timed out", s.Topic(evt.Type))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", s.Topic(evt.Type), err)
	}
	return nil
}

func (s *MQTTSink) Close() {
	if s.close != nil {
		s.close()
	}
}
