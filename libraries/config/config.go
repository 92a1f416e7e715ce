// Copyright 2026 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads blobgraph configuration from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration of a blobgraph process. Missing values
// take the defaults in the struct tags.
type Config struct {
	LogLevel string         `yaml:"log_level" default:"info"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Storage  StorageConfig  `yaml:"storage"`
	Sync     SyncConfig     `yaml:"sync"`
	Chunking ChunkConfig    `yaml:"chunking"`
	Server   ServerConfig   `yaml:"server"`
}

// UpstreamConfig says where the authority is. An empty URL means graphs
// stay local.
type UpstreamConfig struct {
	URL string `yaml:"url"`
	// TokenFile holds the bearer token, as written by `blobgraph login`.
	TokenFile string        `yaml:"token_file"`
	H2C       bool          `yaml:"h2c"`
	PollWait  time.Duration `yaml:"poll_wait" default:"25s"`
}

type StorageConfig struct {
	// DataDir holds one snapshot directory per graph. Empty keeps graphs in
	// anonymous memory.
	DataDir        string `yaml:"data_dir"`
	RegionCapacity int    `yaml:"region_capacity" default:"1073741824"`
}

type SyncConfig struct {
	// TaskTimeout fails a request to upstream that shows no sign of life
	// for this long.
	TaskTimeout      time.Duration `yaml:"task_timeout" default:"30s"`
	SendAttempts     uint64        `yaml:"send_attempts" default:"3"`
	SendBackoff      time.Duration `yaml:"send_backoff" default:"1s"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" default:"2s"`
	// PokeInterval is how often a busy authority tells a waiting client
	// its request is still being worked on.
	PokeInterval time.Duration `yaml:"poke_interval" default:"5s"`
}

type ChunkConfig struct {
	Threshold   int           `yaml:"threshold" default:"1048576"`
	AvgPiece    int           `yaml:"avg_piece" default:"65536"`
	MinPiece    int           `yaml:"min_piece" default:"4096"`
	MaxPiece    int           `yaml:"max_piece" default:"1048576"`
	IdleTimeout time.Duration `yaml:"idle_timeout" default:"1m"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" default:"localhost:7070"`
	// TokenFile, if set, holds the bearer token every client must present.
	TokenFile string `yaml:"token_file"`
	// DataDir keeps canonical copies on disk. Empty keeps them in memory.
	DataDir string `yaml:"data_dir"`
}

// Default returns a Config holding only defaults.
func Default() *Config {
	cfg := &Config{}
	defaults.MustSet(cfg)
	return cfg
}

// Load reads YAML from |r| and fills in defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "config: parsing yaml")
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.Wrap(err, "config: applying defaults")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load on the contents of |path|. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	} else if err != nil {
		return nil, err
	}
	cfg, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "config: log_level")
	}
	ch := c.Chunking
	if ch.MinPiece <= 0 || ch.MinPiece > ch.AvgPiece || ch.AvgPiece > ch.MaxPiece {
		return errors.Errorf("config: chunking needs 0 < min_piece <= avg_piece <= max_piece, have %d, %d, %d", ch.MinPiece, ch.AvgPiece, ch.MaxPiece)
	}
	if c.Storage.RegionCapacity <= 0 {
		return errors.Errorf("config: region_capacity must be positive, have %d", c.Storage.RegionCapacity)
	}
	if c.Sync.SendAttempts == 0 {
		return errors.New("config: send_attempts must be at least 1")
	}
	return nil
}

// Level is the parsed log level.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Write renders |c| as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
