package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ErrAuthRejected means the broker refused the credentials. It is never
// retried.
var ErrAuthRejected = errors.New("broker rejected credentials")

// MessageHandler receives a payload the handler may keep; it is not reused.
type MessageHandler func(topic string, payload []byte)

// Conn is one established broker connection.
type Conn interface {
	// Subscribe blocks until the broker acknowledges or refuses.
	Subscribe(topic string, qos byte, handler MessageHandler) error
	// Close releases the connection. Safe to call more than once.
	Close()
}

// Dialer opens connections. onLost is called at most once, from any
// goroutine, when an established connection drops.
type Dialer interface {
	Dial(ctx context.Context, cfg Config, clientID string, onLost func(error)) (Conn, error)
}

// subscribeTimeout bounds the wait for a SUBACK.
const subscribeTimeout = 10 * time.Second

// disconnectQuiesce lets paho flush in-flight acknowledgements on close.
const disconnectQuiesce = 250 // ms

// PahoDialer connects with the Eclipse paho client. Automatic reconnect is
// disabled; the Manager owns the retry policy.
type PahoDialer struct {
	Logger *slog.Logger
}

func (d PahoDialer) Dial(ctx context.Context, cfg Config, clientID string, onLost func(error)) (Conn, error) {
	url := cfg.BrokerURL()
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()

	timer := time.NewTimer(cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-timer.C:
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s timed out after %s", url, cfg.ConnectTimeout)
	}

	if err := tok.Error(); err != nil {
		if authRefused(tok, err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}
	return &pahoConn{client: client, logger: d.logger()}, nil
}

func (d PahoDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// authRefused reports CONNACK return codes 4 (bad username or password)
// and 5 (not authorised).
func authRefused(tok mqtt.Token, err error) bool {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return true
	}
	if ct, ok := tok.(*mqtt.ConnectToken); ok {
		switch ct.ReturnCode() {
		case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
			return true
		}
	}
	return false
}

type pahoConn struct {
	client mqtt.Client
	logger *slog.Logger
}

func (c *pahoConn) Subscribe(topic string, qos byte, handler MessageHandler) error {
	tok := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		// paho may reuse the buffer once the callback returns.
		payload := msg.Payload()
		data := make([]byte, len(payload))
		copy(data, payload)
		handler(msg.Topic(), data)
	})
	if ok := tok.WaitTimeout(subscribeTimeout); !ok {
		return fmt.Errorf("subscribe %q timed out after %s", topic, subscribeTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == 0x80 {
			return fmt.Errorf("subscribe %q: refused by broker", topic)
		}
	}
	c.logger.Info("subscribed to MQTT topic", "topic", topic, "qos", qos)
	return nil
}

func (c *pahoConn) Close() {
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(disconnectQuiesce)
	}
}
