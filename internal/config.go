package internal

import (
	"fmt"
	"time"
)

type Config struct {
	Host              string `env:"HOST,default=0.0.0.0"`
	Port              int    `env:"PORT,default=8000"`
	LogLevel          string `env:"LOG_LEVEL,default=INFO"`
	Secret            string `env:"SECRET,required=true"`
	AdminUser         string `env:"ADMIN_USER"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`
	AllowCORS         bool   `env:"ALLOW_CORS,default=false"`
	MultiTenant       bool   `env:"MULTI_TENANT,default=false"`

	ConnectionIdleTimeout time.Duration `env:"CONNECTION_IDLE_TIMEOUT,default=15s"`
	UserIdleTimeout       time.Duration `env:"USER_IDLE_TIMEOUT,default=24h"`
	ConnectionGCInterval  time.Duration `env:"CONNECTION_GC_INTERVAL,default=1s"`
	UserGCInterval        time.Duration `env:"USER_GC_INTERVAL,default=60s"`
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL,default=5s"`
	RestartInterval       time.Duration `env:"RESTART_INTERVAL,default=1s"`
	MetricInterval        time.Duration `env:"METRIC_INTERVAL,default=10s"`

	SendBufferSize    int           `env:"SEND_BUFFER_SIZE,default=256"`
	WSReadBuffer      int           `env:"WS_READ_BUFFER,default=1024"`
	WSWriteBuffer     int           `env:"WS_WRITE_BUFFER,default=1024"`
	WSPingTimeout     time.Duration `env:"WS_PING_TIMEOUT,default=30s"`
	ListenWakeAfter   time.Duration `env:"LISTEN_WAKE_AFTER,default=25s"`
	ListenDrainWindow time.Duration `env:"LISTEN_DRAIN_WINDOW,default=250ms"`
	GRPCHealthPort    int           `env:"GRPC_HEALTH_PORT,default=0"`
}

// Validate checks the values env tags cannot express.
func (c Config) Validate() error {
	if c.SendBufferSize < 1 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	if c.ConnectionIdleTimeout <= 0 || c.UserIdleTimeout <= 0 {
		return fmt.Errorf("idle timeouts must be positive")
	}
	if c.ConnectionGCInterval <= 0 || c.UserGCInterval <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if (c.AdminUser == "") != (c.AdminPasswordHash == "") {
		return fmt.Errorf("ADMIN_USER and ADMIN_PASSWORD_HASH must be set together")
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
