package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures the daemon runtime parameters.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	MirrorDir string `mapstructure:"mirror_dir"`
	LogLevel  string `mapstructure:"log_level"`

	Name          string  `mapstructure:"name"`
	AdminPassword string  `mapstructure:"admin_password"`
	GuestPassword string  `mapstructure:"guest_password"`
	AllowReadOnly bool    `mapstructure:"allow_read_only"`
	MaxClients    int     `mapstructure:"max_clients"`
	Lat           float64 `mapstructure:"lat"`
	Lon           float64 `mapstructure:"lon"`
	HasLocation   bool    `mapstructure:"has_location"`
	MultiAcks     int     `mapstructure:"multi_acks"`
	PacketLogging bool    `mapstructure:"packet_logging"`

	ForwardPackets bool `mapstructure:"forward_packets"`

	MetricsAddress string `mapstructure:"metrics_address"`

	NoConsole bool `mapstructure:"no_console"`

	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Serial  SerialConfig  `mapstructure:"serial"`
	Adverts AdvertsConfig `mapstructure:"adverts"`
}

// MQTTConfig describes the MQTT mesh bridge.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	UseTLS      bool   `mapstructure:"use_tls"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	MeshID      string `mapstructure:"mesh_id"`
}

// SerialConfig describes the serial radio bridge.
type SerialConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
}

// AdvertsConfig controls self-advertisement timers (firmware units:
// local is 2-minute steps, flood is hours; 0 disables).
type AdvertsConfig struct {
	LocalInterval int `mapstructure:"local_interval"`
	FloodInterval int `mapstructure:"flood_interval"`
}

const (
	defaultDataDir       = "data"
	defaultLogLevel      = "info"
	defaultName          = "Bulletin Server"
	defaultAdminPassword = "password"
	defaultGuestPassword = "hello"
	defaultLocalAdvert   = 1
	defaultFloodAdvert   = 12
)

// LoadConfig reads configuration from the provided file path (if any) and
// the environment. Environment variables are prefixed with MESHBOARD_ and
// override file values.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESHBOARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("name", defaultName)
	v.SetDefault("admin_password", defaultAdminPassword)
	v.SetDefault("guest_password", defaultGuestPassword)
	v.SetDefault("allow_read_only", false)
	v.SetDefault("max_clients", 32)
	v.SetDefault("multi_acks", 0)
	v.SetDefault("mqtt.topic_prefix", "meshcore")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("adverts.local_interval", defaultLocalAdvert)
	v.SetDefault("adverts.flood_interval", defaultFloodAdvert)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.MQTT.Broker == "" && cfg.Serial.Port == "" {
		return Config{}, fmt.Errorf("no transport configured: set mqtt.broker and/or serial.port")
	}

	return cfg, nil
}
