// Copyright 2025 The gVisor Authors.
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

// Package config holds the configuration of the emmsim command: the enclave
// layout, the placement of the metadata arenas and the log settings. It is
// read from a TOML file and overridden by command-line flags.
package config

import (
	"flag"
	"fmt"
	"time"

	"enclave.dev/emm/pkg/emm"
	"enclave.dev/emm/pkg/emm/arena"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
	"github.com/BurntSushi/toml"
)

// Config is the emmsim configuration.
type Config struct {
	Enclave Enclave `toml:"enclave"`
	Arenas  Arenas  `toml:"arenas"`
	Log     Log     `toml:"log"`

	// FaultLogInterval is the minimum interval between warnings about
	// unresolved page faults.
	FaultLogInterval time.Duration `toml:"fault_log_interval"`
}

// Enclave describes ELRANGE and its USER subrange.
type Enclave struct {
	Base      uint64 `toml:"base"`
	Pages     uint64 `toml:"pages"`
	UserBase  uint64 `toml:"user_base"`
	UserPages uint64 `toml:"user_pages"`
}

// Arenas sizes the metadata arenas. The static arena starts at the enclave
// base and the reserve arena follows it.
type Arenas struct {
	StaticPages         uint64 `toml:"static_pages"`
	ReservePages        uint64 `toml:"reserve_pages"`
	ReserveInitialPages uint64 `toml:"reserve_initial_pages"`
	ReserveChunkPages   uint64 `toml:"reserve_chunk_pages"`
}

// Log configures the global logger.
type Log struct {
	// Level is one of warning, info or debug.
	Level string `toml:"level"`

	// Format is one of text, json or logrus.
	Format string `toml:"format"`

	// File is the log destination. Empty means stderr.
	File string `toml:"file"`
}

// Default returns the built-in configuration: a 16 MiB enclave whose upper
// half is USER.
func Default() *Config {
	return &Config{
		Enclave: Enclave{
			Base:      0x10000000,
			Pages:     4096,
			UserBase:  0x10800000,
			UserPages: 2048,
		},
		Arenas: Arenas{
			StaticPages:         4,
			ReservePages:        64,
			ReserveInitialPages: 4,
			ReserveChunkPages:   1,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		FaultLogInterval: time.Second,
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, keys)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Validate checks that c describes a usable enclave.
func (c *Config) Validate() error {
	layout := c.Layout()
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("enclave layout %+v: %w", c.Enclave, err)
	}
	a := c.Arenas
	if a.StaticPages == 0 || a.ReservePages == 0 {
		return fmt.Errorf("arenas must not be empty: %+v", a)
	}
	if a.StaticPages+a.ReservePages > c.Enclave.Pages {
		return fmt.Errorf("arenas of %d pages do not fit in a %d-page enclave", a.StaticPages+a.ReservePages, c.Enclave.Pages)
	}
	if a.ReserveInitialPages > a.ReservePages {
		return fmt.Errorf("reserve_initial_pages %d exceeds reserve_pages %d", a.ReserveInitialPages, a.ReservePages)
	}
	mc := c.ManagerConfig()
	if !layout.IsWithinRtsRange(mc.StaticArena) || !layout.IsWithinRtsRange(mc.ReserveArena.Region) {
		return fmt.Errorf("arenas %v and %v must lie below USER %v", mc.StaticArena, mc.ReserveArena.Region, layout.User())
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.Log.Format)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("negative fault_log_interval %v", c.FaultLogInterval)
	}
	return nil
}

// Layout returns the enclave layout.
func (c *Config) Layout() emm.Layout {
	return emm.Layout{
		Base:     hostarch.Addr(c.Enclave.Base),
		Size:     hostarch.PagesToBytes(c.Enclave.Pages),
		UserBase: hostarch.Addr(c.Enclave.UserBase),
		UserSize: hostarch.PagesToBytes(c.Enclave.UserPages),
	}
}

// ManagerConfig returns the arena placement for emm.New.
func (c *Config) ManagerConfig() emm.Config {
	a := c.Arenas
	static := hostarch.Addr(c.Enclave.Base).MustToRange(hostarch.PagesToBytes(a.StaticPages))
	return emm.Config{
		StaticArena: static,
		ReserveArena: arena.ReserveOpts{
			Region:  static.End.MustToRange(hostarch.PagesToBytes(a.ReservePages)),
			Initial: hostarch.PagesToBytes(a.ReserveInitialPages),
			Chunk:   hostarch.PagesToBytes(a.ReserveChunkPages),
		},
		FaultLogInterval: c.FaultLogInterval,
	}
}

// Print logs the configuration at Info.
func (c *Config) Print() {
	l := c.Layout()
	log.Infof("Enclave: ELRANGE %v, USER %v", l.Enclave(), l.User())
	log.Infof("Arenas: static %d pages, reserve %d pages (%d initial, grows by %d)",
		c.Arenas.StaticPages, c.Arenas.ReservePages, c.Arenas.ReserveInitialPages, c.Arenas.ReserveChunkPages)
	log.Infof("Log: level %s, format %s", c.Log.Level, c.Log.Format)
}

// RegisterFlags registers the flags that select and override the file.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path to a TOML configuration file. Built-in defaults are used if empty.")
	fs.String("log", "", "file path where logs are written, default is stderr.")
	fs.String("log-level", "", "log level: warning, info, or debug. Overrides the file.")
	fs.String("log-format", "", "log format: text, json, or logrus. Overrides the file.")
	fs.Bool("debug", false, "enable debug logging. Same as --log-level=debug.")
}

// NewFromFlags returns the configuration named by the --config flag of fs
// with the other flags of RegisterFlags applied.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	c := Default()
	if path := fs.Lookup("config").Value.String(); path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}
	if v := fs.Lookup("log").Value.String(); v != "" {
		c.Log.File = v
	}
	if v := fs.Lookup("log-level").Value.String(); v != "" {
		c.Log.Level = v
	}
	if v := fs.Lookup("log-format").Value.String(); v != "" {
		c.Log.Format = v
	}
	if fs.Lookup("debug").Value.String() == "true" {
		c.Log.Level = "debug"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
