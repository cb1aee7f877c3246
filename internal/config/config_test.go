// Copyright 2018 The gVisor Authors.
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
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOptionsFileOverlaysOnlyMentionedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "options.toml")
	contents := "trace_dir = \"/tmp/mytrace\"\nenable_chaos = true\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write options file: %v", err)
	}

	c := Default()
	c.MaxTicks = 12345

	if err := c.LoadOptionsFile(path); err != nil {
		t.Fatalf("LoadOptionsFile: %v", err)
	}
	if c.TraceDir != "/tmp/mytrace" {
		t.Fatalf("expected trace_dir overlay, got %q", c.TraceDir)
	}
	if !c.EnableChaos {
		t.Fatalf("expected enable_chaos overlay to be true")
	}
	if c.MaxTicks != 12345 {
		t.Fatalf("expected max_ticks to be left untouched, got %d", c.MaxTicks)
	}
}

func TestLoadOptionsFileRejectsMissingFile(t *testing.T) {
	c := Default()
	if err := c.LoadOptionsFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected an error loading a nonexistent options file")
	}
}

func TestChildEnvironAppendsRunningUnderRd(t *testing.T) {
	env := childEnv([]string{"PATH=/bin"})
	found := false
	for _, kv := range env {
		if kv == "RUNNING_UNDER_RD=1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected RUNNING_UNDER_RD=1 in child environment, got %v", env)
	}
}
