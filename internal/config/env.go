package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Runtime holds process settings that are deployment specific rather than
// venue specific. They come from flags with environment overrides.
type Runtime struct {
	VenuePath    string
	Listen       string
	GRPCListen   string
	DBPath       string
	UDPListen    string
	SerialPort   string
	SerialSensor string
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	PCAPFile     string
	LogOps       bool
	LogDiag      bool
	LogTrace     bool
	NDJSON       bool
	Simulate     bool
}

// LoadRuntime loads an optional .env file (a missing file is not an error)
// and returns the environment-derived defaults. Flags override these.
func LoadRuntime(envFiles ...string) Runtime {
	_ = godotenv.Load(envFiles...)

	return Runtime{
		VenuePath:    getEnv("PRESENCE_VENUE", DefaultVenuePath),
		Listen:       getEnv("PRESENCE_LISTEN", ":8080"),
		GRPCListen:   getEnv("PRESENCE_GRPC_LISTEN", ""),
		DBPath:       getEnv("PRESENCE_DB", "presence.db"),
		UDPListen:    getEnv("PRESENCE_UDP_LISTEN", ""),
		SerialPort:   getEnv("PRESENCE_SERIAL_PORT", ""),
		SerialSensor: getEnv("PRESENCE_SERIAL_SENSOR", ""),
		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "presence-field"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "presence"),
		PCAPFile:     getEnv("PRESENCE_PCAP", ""),
		LogOps:       getEnvBool("PRESENCE_LOG_OPS", true),
		LogDiag:      getEnvBool("PRESENCE_LOG_DIAG", false),
		LogTrace:     getEnvBool("PRESENCE_LOG_TRACE", false),
		NDJSON:       getEnvBool("PRESENCE_NDJSON", false),
		Simulate:     getEnvBool("PRESENCE_SIMULATE", false),
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
