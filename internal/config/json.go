package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/weavekit/sync15/internal/flagx"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Values
// are copied into the runtime Config; fields absent from the file keep
// their defaults.
type JsonConfig struct {
	TokenServerURL  string   `json:"token_server_url"`
	AccessToken     string   `json:"access_token"`
	KeyID           string   `json:"key_id"`
	SyncKey         string   `json:"sync_key"`
	DataDir         string   `json:"data_dir"`
	Engines         []string `json:"engines"`
	Reason          string   `json:"reason"`
	StrictUploads   bool     `json:"strict_uploads"`
	RequestTimeoutS int      `json:"request_timeout_s"`
}

// parseJson overlays Config with values loaded from a JSON file. The
// file path comes from the -c or -config flags; without one, nothing is
// loaded. Read or unmarshal errors panic, matching parseFlags.
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later
// stages override earlier ones.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.TokenServerURL != "" {
		cfg.TokenServerURL = jc.TokenServerURL
	}
	if jc.AccessToken != "" {
		cfg.AccessToken = jc.AccessToken
	}
	if jc.KeyID != "" {
		cfg.KeyID = jc.KeyID
	}
	if jc.SyncKey != "" {
		cfg.SyncKey = jc.SyncKey
	}
	if jc.DataDir != "" {
		cfg.DataDir = jc.DataDir
	}
	if len(jc.Engines) > 0 {
		cfg.Engines = jc.Engines
	}
	if jc.Reason != "" {
		cfg.Reason = jc.Reason
	}
	if jc.StrictUploads {
		cfg.StrictUploads = true
	}
	if jc.RequestTimeoutS > 0 {
		cfg.RequestTimeout = time.Duration(jc.RequestTimeoutS) * time.Second
	}
}
