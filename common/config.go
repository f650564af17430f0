package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Ingestion Queue Related Config

// QueueConfig defines the ingestion queue and dispatcher parameters
type QueueConfig struct {
	// Capacity is the max number of record IDs the queue will hold
	Capacity int `mapstructure:"capacity" json:"capacity" validate:"gte=1"`
	// PollTimeout is the dispatcher wait duration on an empty queue in milliseconds
	PollTimeout int `mapstructure:"poll_timeout_ms" json:"poll_timeout_ms" validate:"gte=1"`
	// BroadcastBuffer is the number of resolved records which can wait for fan-out
	BroadcastBuffer int `mapstructure:"broadcast_buffer" json:"broadcast_buffer" validate:"gte=1"`
}

// PollTimeoutDuration the poll timeout as time.Duration
func (c QueueConfig) PollTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.PollTimeout)
}

// ===============================================================================
// Authentication Related Config

// AuthConfig defines the subscriber credential parameters
type AuthConfig struct {
	// TokenValidity is the validity horizon of a newly issued token in hours
	TokenValidity int `mapstructure:"token_validity_hours" json:"token_validity_hours" validate:"gte=1"`
	// ClosedSessionRetention is how long a closed connection is remembered in seconds
	ClosedSessionRetention int `mapstructure:"closed_session_retention_sec" json:"closed_session_retention_sec" validate:"gte=1"`
}

// TokenValidityDuration the token validity horizon as time.Duration
func (c AuthConfig) TokenValidityDuration() time.Duration {
	return time.Hour * time.Duration(c.TokenValidity)
}

// ===============================================================================
// Websocket Transport Related Config

// WebsocketConfig defines the subscriber websocket transport parameters
type WebsocketConfig struct {
	// ReadBufferSize is the websocket read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=128"`
	// WriteBufferSize is the websocket write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=128"`
	// WriteTimeout is the max duration for writing one frame in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// SendBuffer is the number of outbound frames which can wait per connection
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// InboundRate is the sustained rate of inbound frames allowed per connection
	InboundRate float64 `mapstructure:"inbound_rate_per_sec" json:"inbound_rate_per_sec" validate:"gt=0"`
	// InboundBurst is the inbound frame burst allowed per connection
	InboundBurst int `mapstructure:"inbound_burst" json:"inbound_burst" validate:"gte=1"`
}

// ===============================================================================
// Ingestion Related Config

// IngestConfig defines parameters for the REST ingestion entry point
type IngestConfig struct {
	// ProducerRate is the sustained enqueue rate allowed per producer address
	ProducerRate float64 `mapstructure:"producer_rate_per_sec" json:"producer_rate_per_sec" validate:"gt=0"`
	// ProducerBurst is the enqueue burst allowed per producer address
	ProducerBurst int `mapstructure:"producer_burst" json:"producer_burst" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for receiving record announcements over NATS
type NATSConfig struct {
	// Enabled whether to listen for record announcements over NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// Subject is the subject the record IDs are announced on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// QueueGroup is the optional NATS queue group to join
	QueueGroup string `mapstructure:"queue_group" json:"queue_group"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Queue are the ingestion queue parameters
	Queue QueueConfig `mapstructure:"queue" json:"queue" validate:"required"`
	// Auth are the subscriber credential parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// Websocket are the subscriber transport parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	// Ingest are the REST ingestion parameters
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" validate:"required"`
	// NATS are the NATS record announcement parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// StatusReportInterval is the interval between status log reports in seconds
	StatusReportInterval int `mapstructure:"status_report_interval_sec" json:"status_report_interval_sec" validate:"gte=1"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default queue settings
	viper.SetDefault("queue.capacity", 1000)
	viper.SetDefault("queue.poll_timeout_ms", 1000)
	viper.SetDefault("queue.broadcast_buffer", 64)

	// Default credential settings
	viper.SetDefault("auth.token_validity_hours", 24)
	viper.SetDefault("auth.closed_session_retention_sec", 600)

	// Default websocket settings
	viper.SetDefault("websocket.read_buffer_size", 1024)
	viper.SetDefault("websocket.write_buffer_size", 1024)
	viper.SetDefault("websocket.write_timeout_sec", 5)
	viper.SetDefault("websocket.send_buffer", 32)
	viper.SetDefault("websocket.inbound_rate_per_sec", 5.0)
	viper.SetDefault("websocket.inbound_burst", 10)

	// Default ingestion settings
	viper.SetDefault("ingest.producer_rate_per_sec", 200.0)
	viper.SetDefault("ingest.producer_burst", 400)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.subject", "alertstream.records")
	viper.SetDefault("nats.queue_group", "")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default API server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Alertstream-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	viper.SetDefault("status_report_interval_sec", 60)
}
