package main

import "time"

// Config holds CLI settings loaded from environment variables. Flow settings
// live in config.FlowConfig under the same prefix. IDTokenKeysFile names a
// PEM file of id_token verification keys.
type Config struct {
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	StoreKey        string        `envconfig:"STORE_KEY" default:"default"`
	CallbackAddr    string        `envconfig:"CALLBACK_ADDR" default:"127.0.0.1:0"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"15m"`
	NoBrowser       bool          `envconfig:"NO_BROWSER"`
	IDTokenKeysFile string        `envconfig:"ID_TOKEN_KEYS_FILE"`
}

// envPrefix is shared by Config and config.FlowConfig.
const envPrefix = "AUTHFLOW"
