// Package mqtt publishes session events to an MQTT broker.
package mqtt

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/bafang-config/internal/events"
)

// Config holds broker configuration. An empty Broker disables publishing.
type Config struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Topic    string `yaml:"topic" json:"topic"`
}

// Publisher forwards events to "<topic>/<kind>[/<block>]". It is a suture
// service.
type Publisher struct {
	cfg    Config
	events *events.Fanout[events.Event]
	log    *slog.Logger
}

// NewPublisher creates a publisher for the events of ev.
func NewPublisher(cfg Config, ev *events.Fanout[events.Event], log *slog.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = "bafang"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{cfg: cfg, events: ev, log: log.With("component", "mqtt", "broker", cfg.Broker)}
}

func (p *Publisher) String() string { return "mqtt " + p.cfg.Broker }

// defaultClientID derives a stable id from host name and home directory.
func defaultClientID() string {
	hn, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	hf := sha256.New()
	fmt.Fprintf(hf, "%s\n%s\n", hn, home)
	return fmt.Sprintf("b%x", hf.Sum(nil))[:12]
}

func (p *Publisher) connect() (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" && p.cfg.Password != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

// Serve connects and publishes until ctx is cancelled.
func (p *Publisher) Serve(ctx context.Context) error {
	client, err := p.connect()
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer client.Disconnect(250)
	p.log.Info("connected")

	sub := p.events.Listen()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.Channel():
			topic, payload, err := Message(p.cfg.Topic, ev)
			if err != nil {
				p.log.Warn("encode event", "err", err)
				continue
			}
			token := client.Publish(topic, 0, false, payload)
			if !token.WaitTimeout(5 * time.Second) {
				p.log.Warn("publish timed out", "topic", topic)
				continue
			}
			if err := token.Error(); err != nil {
				p.log.Warn("publish failed", "topic", topic, "err", err)
			}
		}
	}
}

// Message returns the topic and JSON payload for ev.
func Message(prefix string, ev events.Event) (string, []byte, error) {
	parts := []string{strings.TrimSuffix(prefix, "/"), string(ev.Kind)}
	if ev.Block != "" {
		parts = append(parts, ev.Block)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return strings.Join(parts, "/"), payload, nil
}
