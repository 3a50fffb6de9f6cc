// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the gateway's JSON configuration file,
// adapted from ClusterCockpit-cc-backend/internal/config/config.go's
// package-level Keys-with-defaults + schema-validate-then-decode pattern.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/clustercockpit/acquisition-gateway/internal/schema"
)

// Config is the on-disk configuration surface (spec §6 table), plus the
// repository/listener settings the engine config table doesn't cover.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBDriver   string `json:"db_driver"`
	DB         string `json:"db"`

	schema.EngineConfig
}

// Default returns the configuration used when no config file is present,
// mirroring the teacher's package-level Keys default struct.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DBDriver:     "sqlite3",
		DB:           "./var/acquisition.db",
		EngineConfig: schema.EngineConfig{}.WithDefaults(),
	}
}

// Load reads flagConfigFile, validates it against the embedded JSON Schema
// and decodes it over the default configuration. A missing file is not an
// error -- the gateway runs on defaults, matching the teacher's
// os.IsNotExist(err) tolerance in internal/config.Init.
func Load(flagConfigFile string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %q: %w", flagConfigFile, err)
	}

	if err := validate(raw); err != nil {
		return cfg, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %q: %w", flagConfigFile, err)
	}

	cfg.EngineConfig = cfg.EngineConfig.WithDefaults()
	return cfg, nil
}
