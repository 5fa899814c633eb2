package config

import (
	"os"

	"github.com/navid-fn/txradar/configs"
)

// Config is the read API's slice of the application configuration.
type Config struct {
	ClickHouseDSN string
	ServerPort    string
	DebugMode     bool
	LogLevel      string
	LogFormat     string
}

func Load() *Config {
	app := configs.AppLoad()

	return &Config{
		ClickHouseDSN: app.ClickHouseDSN,
		ServerPort:    app.Server.Port,
		DebugMode:     getEnv("DEBUGMODE", "false") == "true",
		LogLevel:      app.LogLevel,
		LogFormat:     app.LogFormat,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
