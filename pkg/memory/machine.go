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

package memory

import (
	"fmt"
	"sync"

	logger "github.com/containers/hiberlib/pkg/log"
	"github.com/containers/hiberlib/pkg/pageflags"
)

var log = logger.Get("memory")

// Sentinel errors for the simulated machine.
var (
	ErrNoMemory      = fmt.Errorf("memory: out of pages")
	ErrFreezeRefused = fmt.Errorf("memory: tasks refused to freeze")
	ErrDeviceRefused = fmt.Errorf("memory: device refused suspend")
	ErrPowerDown     = fmt.Errorf("memory: device refused power down")
	ErrCPUHotplug    = fmt.Errorf("memory: CPU hotplug failed")
	ErrArchPrepare   = fmt.Errorf("memory: architecture preparation failed")
	ErrInvalidConfig = fmt.Errorf("memory: invalid machine configuration")
)

type pageOwner uint8

const (
	ownerFree pageOwner = iota
	ownerReserved
	ownerKernel
	ownerTask
	ownerCache
	ownerDriver
	ownerAlloc
)

type page struct {
	valid    bool
	reserved bool
	owner    pageOwner
	data     []uint64
}

// TaskConfig describes one task of a simulated machine.
type TaskConfig struct {
	Name         string `json:"name"`
	Pages        int    `json:"pages"`
	HighPages    int    `json:"highPages"`
	SpecialPages int    `json:"specialPages"`
	NoFreeze     bool   `json:"noFreeze"`
	Kernel       bool   `json:"kernel"`
}

// Config describes a simulated machine.
type Config struct {
	LowPages    int              `json:"lowPages"`
	HighPages   int              `json:"highPages"`
	KernelPages int              `json:"kernelPages"`
	CachePages  int              `json:"cachePages"`
	Reserved    []pageflags.Span `json:"reserved,omitempty"`
	Holes       []pageflags.Span `json:"holes,omitempty"`
	Tasks       []TaskConfig     `json:"tasks,omitempty"`

	// DriverSuspendPages is the number of pages device drivers allocate
	// while suspended, released again on resume.
	DriverSuspendPages int `json:"driverSuspendPages"`

	// Failure injection for the abort paths.
	FreezeFailures    int  `json:"freezeFailures"`
	FailDeviceSuspend bool `json:"failDeviceSuspend"`
	FailPowerDown     bool `json:"failPowerDown"`
	FailCPUHotplug    bool `json:"failCPUHotplug"`
	FailArchPrepare   bool `json:"failArchPrepare"`
}

// Machine is an in-process simulated physical machine implementing the
// System, Freezer, Reclaimer and DevicePower contracts.
type Machine struct {
	cfg   Config
	zones []*Zone
	pages []page
	free  [2]int // free page counts by class

	tasksLock sync.RWMutex
	tasks     []*Task

	lru map[int]bool // active+inactive page lists

	frozen        bool
	irqsDisabled  bool
	devsSuspended bool
	poweredDown   bool
	cpusDisabled  bool
	cpuSaved      bool
	driverPages   []int
	freezeFails   int
	mapped        int
	nextPID       int
}

var _ System = &Machine{}
var _ Freezer = &Machine{}
var _ Reclaimer = &Machine{}
var _ DevicePower = &Machine{}

// NewMachine builds a simulated machine from the given configuration.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.LowPages <= 0 {
		return nil, fmt.Errorf("%w: need a populated low zone", ErrInvalidConfig)
	}

	total := cfg.LowPages + cfg.HighPages
	m := &Machine{
		cfg:         cfg,
		pages:       make([]page, total),
		lru:         make(map[int]bool),
		freezeFails: cfg.FreezeFailures,
		nextPID:     1,
	}

	m.zones = append(m.zones, &Zone{
		Name:     "Normal",
		Class:    ClassLow,
		StartPFN: 0,
		Spanned:  cfg.LowPages,
	})
	if cfg.HighPages > 0 {
		m.zones = append(m.zones, &Zone{
			Name:     "HighMem",
			Class:    ClassHigh,
			StartPFN: cfg.LowPages,
			Spanned:  cfg.HighPages,
		})
	}

	for pfn := range m.pages {
		m.pages[pfn].valid = true
		m.pages[pfn].owner = ownerFree
	}
	for _, hole := range cfg.Holes {
		for pfn := hole.Start; pfn < hole.Start+hole.Count && pfn < total; pfn++ {
			m.pages[pfn].valid = false
		}
	}
	for pfn := range m.pages {
		if m.pages[pfn].valid {
			m.free[m.classOf(pfn)]++
		}
	}
	for _, res := range cfg.Reserved {
		for pfn := res.Start; pfn < res.Start+res.Count && pfn < total; pfn++ {
			if !m.pages[pfn].valid {
				continue
			}
			m.pages[pfn].reserved = true
			m.claim(pfn, ownerReserved)
		}
	}

	for i := 0; i < cfg.KernelPages; i++ {
		if _, err := m.allocOne(false, ownerKernel); err != nil {
			return nil, fmt.Errorf("%w: kernel image does not fit", ErrInvalidConfig)
		}
	}

	for i := 0; i < cfg.CachePages; i++ {
		pfn, err := m.allocOne(true, ownerCache)
		if err != nil {
			return nil, fmt.Errorf("%w: page cache does not fit", ErrInvalidConfig)
		}
		m.lru[pfn] = true
	}

	for _, tc := range cfg.Tasks {
		if _, err := m.addTask(tc); err != nil {
			return nil, err
		}
	}

	log.Info("machine: %d low + %d high pages, %d free low, %d free high",
		cfg.LowPages, cfg.HighPages, m.free[ClassLow], m.free[ClassHigh])

	return m, nil
}

func (m *Machine) addTask(tc TaskConfig) (*Task, error) {
	t := &Task{
		PID:      m.nextPID,
		Name:     tc.Name,
		NoFreeze: tc.NoFreeze,
		Kernel:   tc.Kernel,
	}
	m.nextPID++

	grow := func(count int, high, special bool) error {
		for i := 0; i < count; i++ {
			pfn, err := m.allocOne(high, ownerTask)
			if err != nil {
				return fmt.Errorf("%w: task %s does not fit", ErrInvalidConfig, tc.Name)
			}
			m.lru[pfn] = true
			if n := len(t.VMAs); n > 0 && !special && !t.VMAs[n-1].Special &&
				t.VMAs[n-1].Start+t.VMAs[n-1].Count == pfn {
				t.VMAs[n-1].Count++
			} else {
				t.VMAs = append(t.VMAs, VMA{Start: pfn, Count: 1, Special: special})
			}
		}
		return nil
	}

	if !tc.Kernel {
		if err := grow(tc.Pages, false, false); err != nil {
			return nil, err
		}
		if err := grow(tc.HighPages, true, false); err != nil {
			return nil, err
		}
		if err := grow(tc.SpecialPages, false, true); err != nil {
			return nil, err
		}
	}

	m.tasksLock.Lock()
	m.tasks = append(m.tasks, t)
	m.tasksLock.Unlock()

	return t, nil
}

func (m *Machine) classOf(pfn int) Class {
	if pfn >= m.cfg.LowPages {
		return ClassHigh
	}
	return ClassLow
}

func (m *Machine) claim(pfn int, owner pageOwner) {
	if m.pages[pfn].owner == ownerFree {
		m.free[m.classOf(pfn)]--
	}
	m.pages[pfn].owner = owner
}

func (m *Machine) allocOne(allowHigh bool, owner pageOwner) (int, error) {
	if allowHigh {
		// High memory preferred, matching highmem-capable allocations.
		for pfn := len(m.pages) - 1; pfn >= m.cfg.LowPages; pfn-- {
			if m.pages[pfn].valid && m.pages[pfn].owner == ownerFree {
				m.claim(pfn, owner)
				return pfn, nil
			}
		}
	}
	for pfn := 0; pfn < m.cfg.LowPages; pfn++ {
		if m.pages[pfn].valid && m.pages[pfn].owner == ownerFree {
			m.claim(pfn, owner)
			return pfn, nil
		}
	}
	return -1, ErrNoMemory
}

// MaxPFN implements System.
func (m *Machine) MaxPFN() int {
	return len(m.pages) - 1
}

// TotalPages returns the number of populated pages.
func (m *Machine) TotalPages() int {
	total := 0
	for pfn := range m.pages {
		if m.pages[pfn].valid {
			total++
		}
	}
	return total
}

// Zones implements System.
func (m *Machine) Zones() []*Zone {
	return m.zones
}

// Spans implements System.
func (m *Machine) Spans() []pageflags.Span {
	spans := make([]pageflags.Span, 0, len(m.zones))
	for _, z := range m.zones {
		spans = append(spans, z.Span())
	}
	return spans
}

// PageValid implements System.
func (m *Machine) PageValid(pfn int) bool {
	return pfn >= 0 && pfn < len(m.pages) && m.pages[pfn].valid
}

// IsHighmem implements System.
func (m *Machine) IsHighmem(pfn int) bool {
	return m.classOf(pfn) == ClassHigh
}

// Saveable implements System.
func (m *Machine) Saveable(pfn int) bool {
	return m.PageValid(pfn) && !m.pages[pfn].reserved
}

// FreePages implements System. The simulated allocator keeps no private
// per-CPU pools; they are folded into the zone free counts.
func (m *Machine) FreePages(classes ClassMask) int {
	count := 0
	for _, c := range []Class{ClassLow, ClassHigh} {
		if classes.Contains(c) {
			count += m.free[c]
		}
	}
	return count
}

// ForeachFreePage implements System.
func (m *Machine) ForeachFreePage(zone *Zone, fn func(pfn int) bool) {
	for pfn := zone.StartPFN; pfn < zone.StartPFN+zone.Spanned; pfn++ {
		if m.pages[pfn].valid && m.pages[pfn].owner == ownerFree {
			if !fn(pfn) {
				return
			}
		}
	}
}

// AllocPage implements System.
func (m *Machine) AllocPage(allowHigh bool) (int, error) {
	return m.allocOne(allowHigh, ownerAlloc)
}

// AllocPages implements System. Contiguous runs are carved from low
// memory only.
func (m *Machine) AllocPages(order int) (int, error) {
	count := 1 << order
	run := 0
	for pfn := 0; pfn < m.cfg.LowPages; pfn++ {
		if m.pages[pfn].valid && m.pages[pfn].owner == ownerFree {
			run++
			if run == count {
				first := pfn - count + 1
				for p := first; p <= pfn; p++ {
					m.claim(p, ownerAlloc)
				}
				return first, nil
			}
		} else {
			run = 0
		}
	}
	return -1, ErrNoMemory
}

// FreePage implements System.
func (m *Machine) FreePage(pfn int) {
	if !m.PageValid(pfn) || m.pages[pfn].owner == ownerFree {
		return
	}
	m.pages[pfn].owner = ownerFree
	m.free[m.classOf(pfn)]++
	delete(m.lru, pfn)
}

// FreePageBlock implements System.
func (m *Machine) FreePageBlock(pfn, order int) {
	for p := pfn; p < pfn+(1<<order); p++ {
		m.FreePage(p)
	}
}

// Page implements System. Only low pages have a direct mapping.
func (m *Machine) Page(pfn int) []uint64 {
	if m.IsHighmem(pfn) {
		panic(fmt.Sprintf("memory: direct access to high PFN %d", pfn))
	}
	return m.pageData(pfn)
}

// MapPage implements System.
func (m *Machine) MapPage(pfn int) []uint64 {
	m.mapped++
	return m.pageData(pfn)
}

// UnmapPage implements System.
func (m *Machine) UnmapPage(pfn int) {
	m.mapped--
}

func (m *Machine) pageData(pfn int) []uint64 {
	if !m.PageValid(pfn) {
		panic(fmt.Sprintf("memory: access to invalid PFN %d", pfn))
	}
	if m.pages[pfn].data == nil {
		m.pages[pfn].data = make([]uint64, WordsPerPage)
	}
	return m.pages[pfn].data
}

// ForeachTask implements System.
func (m *Machine) ForeachTask(fn func(t *Task) bool) {
	m.tasksLock.RLock()
	defer m.tasksLock.RUnlock()

	for _, t := range m.tasks {
		if !fn(t) {
			return
		}
	}
}

// ForeachLRUPage implements System.
func (m *Machine) ForeachLRUPage(fn func(pfn int) bool) {
	for pfn := range m.lru {
		if !fn(pfn) {
			return
		}
	}
}

// UnlinkLRULists implements System. The simulated lists have no live
// writers, so this only records that detachment happened.
func (m *Machine) UnlinkLRULists() {
	log.Debug("LRU lists unlinked")
}

// FreezeAllTasks implements Freezer.
func (m *Machine) FreezeAllTasks() error {
	if m.freezeFails > 0 {
		m.freezeFails--
		return ErrFreezeRefused
	}
	m.frozen = true
	return nil
}

// ThawAllTasks implements Freezer.
func (m *Machine) ThawAllTasks() {
	m.frozen = false
}

// ThawKernelThreads implements Freezer.
func (m *Machine) ThawKernelThreads() {
}

// Frozen returns true if tasks are currently frozen.
func (m *Machine) Frozen() bool {
	return m.frozen
}

// ShrinkZone implements Reclaimer, freeing reclaimable (page cache)
// pages from the given zone. Best effort; returns the count freed.
func (m *Machine) ShrinkZone(zone *Zone, target int) int {
	freed := 0
	for pfn := zone.StartPFN; pfn < zone.StartPFN+zone.Spanned && freed < target; pfn++ {
		if m.pages[pfn].valid && m.pages[pfn].owner == ownerCache {
			m.FreePage(pfn)
			freed++
		}
	}
	log.Debug("shrink zone %s: freed %d of %d wanted", zone.Name, freed, target)
	return freed
}

// DropPageCache implements Reclaimer.
func (m *Machine) DropPageCache() int {
	freed := 0
	for pfn := range m.pages {
		if m.pages[pfn].valid && m.pages[pfn].owner == ownerCache {
			m.FreePage(pfn)
			freed++
		}
	}
	log.Debug("dropped page cache: %d pages", freed)
	return freed
}

// SuspendDevices implements DevicePower. Drivers allocate extra memory
// across suspend, released again on resume.
func (m *Machine) SuspendDevices() error {
	if m.cfg.FailDeviceSuspend {
		return ErrDeviceRefused
	}
	m.devsSuspended = true
	for i := 0; i < m.cfg.DriverSuspendPages; i++ {
		pfn, err := m.allocOne(false, ownerDriver)
		if err != nil {
			break
		}
		m.driverPages = append(m.driverPages, pfn)
	}
	return nil
}

// ResumeDevices implements DevicePower.
func (m *Machine) ResumeDevices() error {
	for _, pfn := range m.driverPages {
		m.FreePage(pfn)
	}
	m.driverPages = nil
	m.devsSuspended = false
	return nil
}

// PowerDownDevices implements DevicePower.
func (m *Machine) PowerDownDevices() error {
	if m.cfg.FailPowerDown {
		return ErrPowerDown
	}
	m.poweredDown = true
	return nil
}

// PowerUpDevices implements DevicePower.
func (m *Machine) PowerUpDevices() error {
	m.poweredDown = false
	return nil
}

// DisableIRQs implements DevicePower.
func (m *Machine) DisableIRQs() {
	m.irqsDisabled = true
}

// EnableIRQs implements DevicePower.
func (m *Machine) EnableIRQs() {
	m.irqsDisabled = false
}

// DisableNonbootCPUs implements DevicePower.
func (m *Machine) DisableNonbootCPUs() error {
	if m.cfg.FailCPUHotplug {
		return ErrCPUHotplug
	}
	m.cpusDisabled = true
	return nil
}

// EnableNonbootCPUs implements DevicePower.
func (m *Machine) EnableNonbootCPUs() error {
	m.cpusDisabled = false
	return nil
}

// PrepareArch implements DevicePower.
func (m *Machine) PrepareArch() error {
	if m.cfg.FailArchPrepare {
		return ErrArchPrepare
	}
	return nil
}

// SaveProcessorState implements DevicePower.
func (m *Machine) SaveProcessorState() {
	m.cpuSaved = true
}

// RestoreProcessorState implements DevicePower.
func (m *Machine) RestoreProcessorState() {
	m.cpuSaved = false
}

// DevicesSuspended returns true if devices are currently suspended.
func (m *Machine) DevicesSuspended() bool {
	return m.devsSuspended
}

// IRQsDisabled returns true if interrupts are disabled.
func (m *Machine) IRQsDisabled() bool {
	return m.irqsDisabled
}

// PoweredDown returns true after a successful device power down.
func (m *Machine) PoweredDown() bool {
	return m.poweredDown
}

// MappedPages returns the current transient mapping balance, zero when
// every MapPage has been matched by UnmapPage.
func (m *Machine) MappedPages() int {
	return m.mapped
}
