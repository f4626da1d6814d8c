package uplink

import (
	"errors"
	"net/url"
	"time"

	"devicecore-go/errcode"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type ClientConfig struct {
	Broker         string // tcp://, mqtt://, ssl://, ws:// URL
	ClientID       string
	Username       string
	Password       string
	StatusTopic    string // retained online/offline presence; skipped when empty
	QoS            byte
	ConnectTimeout time.Duration
	Log            *logrus.Entry
}

// Client is a paho-backed Publisher.
type Client struct {
	cli     mqtt.Client
	cfg     ClientConfig
	log     *logrus.Entry
	timeout time.Duration
}

// brokerURL maps mqtt:// and tls:// onto the schemes paho understands.
func brokerURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("broker url has no host")
	}
	switch u.Scheme {
	case "mqtt", "tcp", "":
		return "tcp://" + u.Host, nil
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", errors.New("unsupported broker scheme " + u.Scheme)
	}
}

// Dial connects to the broker. paho keeps reconnecting in the background
// after the first successful connect.
func Dial(cfg ClientConfig) (*Client, error) {
	const op = "uplink.dial"
	server, err := brokerURL(cfg.Broker)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidParams, op, err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "mqtt", "broker": server})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOrderMatters(false)
	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, "offline", cfg.QoS, true)
	}
	opts.OnConnect = func(c mqtt.Client) {
		log.Info("mqtt connected")
		if cfg.StatusTopic != "" {
			c.Publish(cfg.StatusTopic, cfg.QoS, true, "online")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.WithError(err).Warn("mqtt connection lost") }

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(cfg.ConnectTimeout) {
		return nil, &errcode.E{C: errcode.Timeout, Op: op, Msg: server}
	}
	if err := t.Error(); err != nil {
		return nil, errcode.Wrap(errcode.Failed, op, err)
	}
	return &Client{cli: cli, cfg: cfg, log: log, timeout: cfg.ConnectTimeout}, nil
}

func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	const op = "uplink.publish"
	if !c.cli.IsConnectionOpen() {
		return &errcode.E{C: errcode.NotConnected, Op: op}
	}
	t := c.cli.Publish(topic, qos, retain, payload)
	if !t.WaitTimeout(c.timeout) {
		return &errcode.E{C: errcode.Timeout, Op: op, Msg: topic}
	}
	if err := t.Error(); err != nil {
		return errcode.Wrap(errcode.Failed, op, err)
	}
	return nil
}

// Close marks the device offline and disconnects.
func (c *Client) Close() {
	if c.cfg.StatusTopic != "" && c.cli.IsConnectionOpen() {
		c.cli.Publish(c.cfg.StatusTopic, c.cfg.QoS, true, "offline").WaitTimeout(time.Second)
	}
	c.cli.Disconnect(250)
	c.log.Info("mqtt disconnected")
}
