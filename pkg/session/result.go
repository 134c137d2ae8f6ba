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
	"strings"
)

// Result is an accumulating set of attempt outcome states. Multiple
// states may be flagged at once; Aborted is set as an umbrella bit
// alongside every specific abort reason so that callers can do a
// single cheap check.
type Result uint32

const (
	// Aborted is the umbrella bit, set with every abort reason.
	Aborted Result = 1 << iota
	// AbortRequested records an externally requested abort.
	AbortRequested
	// FreezingFailed records that tasks refused to freeze.
	FreezingFailed
	// NoStorageAvailable records that no image storage exists at all.
	NoStorageAvailable
	// InsufficientStorage records that storage exists but is too small.
	InsufficientStorage
	// WouldEatMemory records refusal to free memory under the
	// "don't eat memory" size limit policy.
	WouldEatMemory
	// UnableToFreeEnough records that reclamation could not free what
	// the image required.
	UnableToFreeEnough
	// UnableToPrepareImage records that preparation did not converge
	// within its retry bound.
	UnableToPrepareImage
	// ExtraPagesAllowanceTooSmall records pageset1 growth beyond its
	// reserved allowance during the freeze window.
	ExtraPagesAllowanceTooSmall
	// DeviceRefused records a device suspend or resume failure.
	DeviceRefused
	// CPUHotplugFailed records a CPU hotplug step failure.
	CPUHotplugFailed
	// ArchPrepareFailed records an architecture preparation failure.
	ArchPrepareFailed
	// FailedIO records an I/O failure on an image stream.
	FailedIO
	// ResaveNeeded records that pages must be saved again before the
	// image can be trusted, surfaced on resume from a kept image.
	ResaveNeeded
	// KeptImage records that an existing image was kept instead of
	// being overwritten.
	KeptImage
)

var resultNames = map[Result]string{
	Aborted:                     "aborted",
	AbortRequested:              "abort-requested",
	FreezingFailed:              "freezing-failed",
	NoStorageAvailable:          "no-storage-available",
	InsufficientStorage:         "insufficient-storage",
	WouldEatMemory:              "would-eat-memory",
	UnableToFreeEnough:          "unable-to-free-enough",
	UnableToPrepareImage:        "unable-to-prepare-image",
	ExtraPagesAllowanceTooSmall: "extra-pages-allowance-too-small",
	DeviceRefused:               "device-refused",
	CPUHotplugFailed:            "cpu-hotplug-failed",
	ArchPrepareFailed:           "arch-prepare-failed",
	FailedIO:                    "failed-io",
	ResaveNeeded:                "resave-needed",
	KeptImage:                   "kept-image",
}

// Contains returns true if all the given states are present.
func (r Result) Contains(states ...Result) bool {
	for _, s := range states {
		if r&s != s {
			return false
		}
	}
	return true
}

// String returns the result states as a comma-separated list.
func (r Result) String() string {
	if r == 0 {
		return "ok"
	}
	names := []string{}
	for bit := Result(1); bit <= KeptImage; bit <<= 1 {
		if r&bit != 0 {
			names = append(names, resultNames[bit])
		}
	}
	return strings.Join(names, ",")
}
