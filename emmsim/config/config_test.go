// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emmsim.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	mc := c.ManagerConfig()
	if mc.StaticArena.End != mc.ReserveArena.Region.Start {
		t.Errorf("reserve arena %v does not follow static arena %v", mc.ReserveArena.Region, mc.StaticArena)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
fault_log_interval = "250ms"

[enclave]
base = 0x40000000
pages = 1024
user_base = 0x40200000
user_pages = 256

[arenas]
reserve_pages = 32

[log]
level = "debug"
format = "json"
`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.Enclave = Enclave{Base: 0x40000000, Pages: 1024, UserBase: 0x40200000, UserPages: 256}
	want.Arenas.ReservePages = 32
	want.Log.Level = "debug"
	want.Log.Format = "json"
	want.FaultLogInterval = 250 * time.Millisecond
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[enclave]\nbogus = 1\n", "unknown keys"},
		{"syntax", "[enclave\n", "reading config"},
		{"user outside", "[enclave]\nuser_base = 0x20000000\n", "enclave layout"},
		{"arenas in user", "[enclave]\nuser_base = 0x10000000\nuser_pages = 16\n", "below USER"},
		{"empty arena", "[arenas]\nstatic_pages = 0\n", "must not be empty"},
		{"initial too large", "[arenas]\nreserve_initial_pages = 100\n", "exceeds"},
		{"level", "[log]\nlevel = \"loud\"\n", "log level"},
		{"format", "[log]\nformat = \"xml\"\n", "log format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestNewFromFlags(t *testing.T) {
	path := writeConfig(t, "[log]\nformat = \"json\"\n")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--debug", "--log-format", "logrus"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Log.Level != "debug" || c.Log.Format != "logrus" {
		t.Errorf("log config = %+v", c.Log)
	}
}

func TestNewFromFlagsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("NewFromFlags without flags (-want +got):\n%s", diff)
	}
}
