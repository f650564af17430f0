package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/alertstream/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// ConvertNATSConfig build the connection parameters from the NATS config section
func ConvertNATSConfig(config common.NATSConfig) NATSConnectParams {
	logTags := log.Fields{"module": "core", "component": "nats", "instance": config.ServerURI}
	return NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, err error) {
			log.WithError(err).WithFields(logTags).Error("NATS client disconnected")
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warn("NATS client reconnected")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS client closed")
		},
	}
}

// NatsClient NATS connection carrying record announcements
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush and close the NATS connection
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Connected whether the connection to the NATS server is up
func (c *NatsClient) Connected() bool {
	return c.nc.Status() == nats.CONNECTED
}

// Subscribe start an async subscription on a subject. The subscription joins the queue group
// if one is given.
func (c *NatsClient) Subscribe(
	subject, queueGroup string, handler nats.MsgHandler,
) (*nats.Subscription, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is empty")
	}
	var sub *nats.Subscription
	var err error
	if queueGroup != "" {
		sub, err = c.nc.QueueSubscribe(subject, queueGroup, handler)
	} else {
		sub, err = c.nc.Subscribe(subject, handler)
	}
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", subject)
		return nil, err
	}
	log.WithFields(c.LogTags).Infof("Subscribed to %s (group '%s')", subject, queueGroup)
	return sub, nil
}

// GetNatsClient connect to the NATS server
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return &NatsClient{Component: common.Component{LogTags: logTags}, nc: nc}, nil
}
