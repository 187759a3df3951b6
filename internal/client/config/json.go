package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/regstate/internal/flagx"
)

// JsonConfig is used exclusively for JSON unmarshalling. The timeout is a
// Go duration string such as "90s".
type JsonConfig struct {
	ServerEndpointAddr string `json:"server_endpoint_addr"`
	RequestTimeout     string `json:"request_timeout"`
}

// parseJson overlays cfg with values loaded from the JSON file named by -c
// or -config. Without the flag nothing is loaded. Read, decode and duration
// errors panic. Empty fields leave cfg untouched.
func parseJson(cfg *Config) {
	path := flagx.ConfigPath(os.Args[1:])
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != "" {
		cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	}
	if jc.RequestTimeout != "" {
		d, err := time.ParseDuration(jc.RequestTimeout)
		if err != nil {
			panic(fmt.Errorf("request_timeout: %w", err))
		}
		cfg.RequestTimeout = d
	}
}
