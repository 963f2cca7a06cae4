// Package mqtt publishes polled tag values to an MQTT broker.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/speters/ecotouchd/pkg/config"
	"github.com/speters/ecotouchd/pkg/ecotouch"
)

// TagMessage is the JSON payload published for every tag
type TagMessage struct {
	Device    string          `json:"device"`
	Tag       string          `json:"tag"`
	Value     interface{}     `json:"value"`
	Status    ecotouch.Status `json:"status"`
	Timestamp string          `json:"timestamp"`
}

// Publisher handles the broker connection
type Publisher struct {
	config config.MQTTConfig

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool

	// last published value per topic, unchanged values are not sent again
	lastMu     sync.Mutex
	lastValues map[string]string
}

// NewPublisher creates a publisher, Start connects it
func NewPublisher(cfg config.MQTTConfig) *Publisher {
	return &Publisher{config: cfg, lastValues: make(map[string]string)}
}

// Address returns the broker URL
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Start connects to the broker
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Infof("Connected to MQTT broker %v", p.Address())
		// force a full republish after reconnects
		p.lastMu.Lock()
		p.lastValues = make(map[string]string)
		p.lastMu.Unlock()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warnf("Lost connection to MQTT broker %v: %v", p.Address(), err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return errors.Errorf("connecting to %v: timeout", p.Address())
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "connecting to %v", p.Address())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the broker
func (p *Publisher) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()
	if client != nil {
		client.Disconnect(500)
	}
}

// BuildTopic returns <root>/<device>/<tag>
func (p *Publisher) BuildTopic(device, tag string) string {
	return fmt.Sprintf("%s/%s/%s", p.config.RootTopic, device, tag)
}

// Publish sends a tag result if its value or status changed since the last publish
func (p *Publisher) Publish(device string, t *ecotouch.Tag, r ecotouch.TagResult, ts time.Time) error {
	p.mu.RLock()
	client, running := p.client, p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return errors.New("not connected")
	}

	topic := p.BuildTopic(device, t.Name)
	key := fmt.Sprintf("%v|%v", r.Value, r.Status)
	p.lastMu.Lock()
	unchanged := p.lastValues[topic] == key
	p.lastMu.Unlock()
	if unchanged {
		return nil
	}

	payload, err := json.Marshal(TagMessage{
		Device:    device,
		Tag:       t.Name,
		Value:     r.Value,
		Status:    r.Status,
		Timestamp: ts.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrapf(err, "encoding %s", topic)
	}

	token := client.Publish(topic, 1, p.config.Retain, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return errors.Errorf("publishing %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publishing %s", topic)
	}

	p.lastMu.Lock()
	p.lastValues[topic] = key
	p.lastMu.Unlock()
	return nil
}
