package mqtt

import (
	"crypto/tls"
	"errors"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ReconnectInterval = 5 * time.Second

type Config struct {
	Server   string
	ClientID string
	Username string
	Password string
	// WillTopic receives WillPayload, retained, when the broker loses us.
	WillTopic   string
	WillPayload string
	Insecure    bool
	Logger      *zap.Logger
}

// Client keeps one paho session alive, reconnecting every ReconnectInterval.
// ID increases on every successful connection so users can tell when to
// subscribe again.
type Client struct {
	Config
	lock   sync.RWMutex
	client MQTT.Client
	id     int
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	opts   *MQTT.ClientOptions
}

var ErrNotConnected = errors.New("MQTT client not connected")

func New(config *Config) *Client {
	m := &Client{
		Config: *config,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.ClientID == "" {
		m.ClientID = "ffes2mqtt-" + uuid.NewString()
	}

	m.opts = MQTT.NewClientOptions().
		AddBroker(m.Server).
		SetClientID(m.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false)

	if m.Username != "" {
		m.opts.SetUsername(m.Username)
		if m.Password != "" {
			m.opts.SetPassword(m.Password)
		}
	}
	if m.WillTopic != "" {
		m.opts.SetWill(m.WillTopic, m.WillPayload, 1, true)
	}
	if m.Insecure {
		m.opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true, ClientAuth: tls.NoClientCert})
	}

	m.opts.OnConnectionLost = func(c MQTT.Client, err error) {
		m.Logger.Warn("MQTT disconnected", zap.Error(err))
	}

	m.connect()
	go m.keepAlive()
	return m
}

func (m *Client) connect() {
	m.Logger.Info("trying to connect to MQTT", zap.String("server", m.Server))
	newClient := MQTT.NewClient(m.opts)
	token := newClient.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		m.Logger.Warn("cannot connect to MQTT", zap.Error(err))
		return
	}
	m.lock.Lock()
	m.client = newClient
	m.id++
	id := m.id
	m.lock.Unlock()
	m.Logger.Info("connected to MQTT", zap.Int("session", id))
}

func (m *Client) keepAlive() {
	defer close(m.done)
	ticker := time.NewTicker(ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			if c := m.current(); c != nil {
				c.Disconnect(100)
			}
			return
		case <-ticker.C:
			if c := m.current(); c == nil || !c.IsConnectionOpen() {
				m.connect()
			}
		}
	}
}

func (m *Client) current() MQTT.Client {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.client
}

// ID returns the session counter, 0 while never connected.
func (m *Client) ID() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.id
}

func (m *Client) Publish(topic string, qos byte, retained bool, payload string) error {
	c := m.current()
	if c == nil {
		return ErrNotConnected
	}
	token := c.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (m *Client) Subscribe(topic string, callback func(message string)) error {
	c := m.current()
	if c == nil {
		return ErrNotConnected
	}
	// callbacks may block on device I/O; keep paho's router free
	token := c.Subscribe(topic, 0, func(c MQTT.Client, m MQTT.Message) {
		go callback(string(m.Payload()))
	})
	token.Wait()
	return token.Error()
}

// Close disconnects and stops reconnecting.
func (m *Client) Close() error {
	m.once.Do(func() { close(m.quit) })
	<-m.done
	return nil
}
