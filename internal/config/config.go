package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"8001"`

	SSHHost        string `envconfig:"SSH_HOST" default:"0.0.0.0"`
	SSHPort        int    `envconfig:"SSH_PORT" default:"2222"`
	SSHHostKeyPath string `envconfig:"SSH_HOST_KEY_PATH" default:"./ssh_host_key"`

	TunnelBasePort    int `envconfig:"TUNNEL_BASE_PORT" default:"10000"`
	TunnelMaxPort     int `envconfig:"TUNNEL_MAX_PORT" default:"20000"`
	MaxTunnelsPerUser int `envconfig:"MAX_TUNNELS_PER_USER" default:"5"`

	PublicDomain string `envconfig:"PUBLIC_DOMAIN" default:"localhost:8001"`
	BackendURL   string `envconfig:"NODEJS_BACKEND_URL" default:"http://localhost:5003"`
	SecretKey    string `envconfig:"TUNNEL_SECRET_KEY" default:"your-secret-key-change-in-production"`

	DatabasePath       string `envconfig:"DATABASE_PATH" default:"./data/tunneld.db"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
