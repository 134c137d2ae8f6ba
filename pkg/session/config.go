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

package session

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ErrConfig is returned for invalid session configuration.
var ErrConfig = fmt.Errorf("session: invalid configuration")

// Image size limit sentinels.
const (
	// SizeLimitNone imposes no cap on image size.
	SizeLimitNone = 0
	// SizeLimitNoEatingMemory forbids freeing memory to make the image
	// fit. An image too large for current conditions aborts.
	SizeLimitNoEatingMemory = -1
	// SizeLimitCacheOnly allows freeing page cache only.
	SizeLimitCacheOnly = -2
)

// Default policy values.
const (
	// DefaultMinFreeRAM is the number of pages always left free for
	// the running of the post-copy machinery.
	DefaultMinFreeRAM = 100
	// DefaultStatusInterval is the status reporter rate limit in
	// updates per second.
	DefaultStatusInterval = 10
)

// Config carries the policy knobs of a hibernation attempt, read at
// the start of each decision point.
type Config struct {
	// ImageSizeLimitMB caps the image size in MB when positive. The
	// negative sentinels select the memory-freeing policy instead.
	ImageSizeLimitMB int64 `json:"imageSizeLimitMB"`
	// ExtraPagesAllowance is the number of pages reserved for pageset1
	// growth during the freeze window. Zero asks for a trial-run probe.
	ExtraPagesAllowance int `json:"extraPagesAllowance"`
	// ExpectedCompression is the anticipated compression percentage
	// (space saved, 0..95) used when estimating storage needed.
	ExpectedCompression int `json:"expectedCompression"`
	// MinFreeRAM is the number of pages kept free on top of the image.
	MinFreeRAM int `json:"minFreeRAM"`
	// ReservedStorage is extra storage (pages) claimed by auxiliary
	// consumers and unavailable to the image proper.
	ReservedStorage int `json:"reservedStorage"`
	// ExternalMemoryNeeded is the number of pages auxiliary components
	// will need for themselves while the image is written.
	ExternalMemoryNeeded int `json:"externalMemoryNeeded"`

	// NoPageset2 saves everything as a single pageset.
	NoPageset2 bool `json:"noPageset2"`
	// Pageset2Full classifies all LRU pages as pageset2 instead of
	// walking task mappings.
	Pageset2Full bool `json:"pageset2Full"`
	// NoDirectLoad forces the staged (relocating) load path on resume.
	NoDirectLoad bool `json:"noDirectLoad"`
	// LateCPUHotplug delays disabling nonboot CPUs until after device
	// suspend.
	LateCPUHotplug bool `json:"lateCPUHotplug"`
	// AbortOnResave refuses to resume from an image flagged as needing
	// a resave.
	AbortOnResave bool `json:"abortOnResave"`
}

// DefaultConfig returns the default attempt policy.
func DefaultConfig() *Config {
	return &Config{
		ImageSizeLimitMB:    SizeLimitNone,
		ExtraPagesAllowance: 500,
		ExpectedCompression: 0,
		MinFreeRAM:          DefaultMinFreeRAM,
	}
}

// ReadConfig reads a YAML attempt policy, filling in defaults for
// omitted fields.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q: %v", ErrConfig, path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %q: %v", ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the policy for inconsistent settings.
func (c *Config) Validate() error {
	if c.ImageSizeLimitMB < SizeLimitCacheOnly {
		return fmt.Errorf("%w: image size limit %d", ErrConfig, c.ImageSizeLimitMB)
	}
	if c.ExpectedCompression < 0 || c.ExpectedCompression > 95 {
		return fmt.Errorf("%w: expected compression %d%% out of range",
			ErrConfig, c.ExpectedCompression)
	}
	if c.ExtraPagesAllowance < 0 {
		return fmt.Errorf("%w: negative extra pages allowance", ErrConfig)
	}
	if c.MinFreeRAM < 0 {
		return fmt.Errorf("%w: negative minimum free RAM", ErrConfig)
	}
	return nil
}

// StorageLimitPages converts a positive size limit to pages, or
// returns -1 when no cap applies.
func (c *Config) StorageLimitPages() int {
	if c.ImageSizeLimitMB <= 0 {
		return -1
	}
	return int(c.ImageSizeLimitMB << 8)
}

// Dump returns the policy as YAML for diagnostic logging.
func (c *Config) Dump() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unmarshallable config: %v>", err)
	}
	return string(data)
}
