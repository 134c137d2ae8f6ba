// Copyright The Hiberlib Authors. All Rights Reserved.
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

package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/hiberlib/pkg/session"
)

func TestResultAccumulation(t *testing.T) {
	s := New(WithReporter(NullReporter()))
	require.False(t, s.Aborted())
	require.Equal(t, "ok", s.Result().String())

	s.SetResult(KeptImage)
	require.False(t, s.Aborted(), "non-abort states do not abort")

	s.Abort(FreezingFailed, "tasks refused to freeze")
	require.True(t, s.Aborted())
	require.True(t, s.Result().Contains(Aborted, FreezingFailed, KeptImage))
	require.False(t, s.Result().Contains(DeviceRefused))

	s.Abort(DeviceRefused, "device refused suspend")
	require.True(t, s.Result().Contains(Aborted, FreezingFailed, DeviceRefused),
		"abort reasons accumulate")
}

func TestRequestAbort(t *testing.T) {
	s := New(WithReporter(NullReporter()))
	s.RequestAbort("operator interrupt")
	require.True(t, s.Aborted())
	require.True(t, s.Result().Contains(Aborted, AbortRequested))
}

func TestResultString(t *testing.T) {
	r := Aborted | WouldEatMemory
	require.Equal(t, "aborted,would-eat-memory", r.String())
}

func TestSessionIDsUnique(t *testing.T) {
	a, b := New(WithReporter(NullReporter())), New(WithReporter(NullReporter()))
	require.NotEqual(t, a.ID(), b.ID())
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
			ok:     true,
		},
		{
			name:   "cache-only sentinel",
			mutate: func(c *Config) { c.ImageSizeLimitMB = SizeLimitCacheOnly },
			ok:     true,
		},
		{
			name:   "limit below sentinels",
			mutate: func(c *Config) { c.ImageSizeLimitMB = -3 },
			ok:     false,
		},
		{
			name:   "compression out of range",
			mutate: func(c *Config) { c.ExpectedCompression = 96 },
			ok:     false,
		},
		{
			name:   "negative allowance",
			mutate: func(c *Config) { c.ExtraPagesAllowance = -1 },
			ok:     false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrConfig)
			}
		})
	}
}

func TestConfigStorageLimitPages(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, -1, cfg.StorageLimitPages())

	cfg.ImageSizeLimitMB = 2
	require.Equal(t, 512, cfg.StorageLimitPages(), "1MB is 256 pages")

	cfg.ImageSizeLimitMB = SizeLimitNoEatingMemory
	require.Equal(t, -1, cfg.StorageLimitPages(), "sentinels impose no cap")
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	require.NoError(t, os.WriteFile(path, []byte(
		"imageSizeLimitMB: 64\n"+
			"expectedCompression: 50\n"+
			"pageset2Full: true\n"), 0o644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(64), cfg.ImageSizeLimitMB)
	require.Equal(t, 50, cfg.ExpectedCompression)
	require.True(t, cfg.Pageset2Full)
	require.Equal(t, DefaultMinFreeRAM, cfg.MinFreeRAM, "defaults survive partial files")

	require.NoError(t, os.WriteFile(path, []byte("bogusKnob: 1\n"), 0o644))
	_, err = ReadConfig(path)
	require.ErrorIs(t, err, ErrConfig, "unknown fields are rejected")

	_, err = ReadConfig(filepath.Join(dir, "no-such-file.yaml"))
	require.ErrorIs(t, err, ErrConfig)
}
