package hoststats

import (
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Provider for tests.
type Fake struct {
	mu        sync.Mutex
	processes map[string]map[int]ProcessInfo
	samples   map[int]Sample
	network   map[string]int64
	err       error
}

func NewFake() *Fake {
	return &Fake{
		processes: make(map[string]map[int]ProcessInfo),
		samples:   make(map[int]Sample),
		network:   make(map[string]int64),
	}
}

func (f *Fake) AddProcess(appID string, info ProcessInfo, sample Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processes[appID] == nil {
		f.processes[appID] = make(map[int]ProcessInfo)
	}
	f.processes[appID][info.PID] = info
	f.samples[info.PID] = sample
}

func (f *Fake) RemoveProcess(appID string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processes[appID], pid)
	delete(f.samples, pid)
}

func (f *Fake) SetSample(pid int, sample Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[pid] = sample
}

// SetNetwork sets the cumulative counter for appID.
func (f *Fake) SetNetwork(appID string, total int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.network[appID] = total
}

// AddNetwork advances the cumulative counter for appID.
func (f *Fake) AddNetwork(appID string, delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.network[appID] += delta
}

// FailWith makes every call return err until cleared with nil.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Processes(appID string) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	out := make([]ProcessInfo, 0, len(f.processes[appID]))
	for _, info := range f.processes[appID] {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (f *Fake) Sample(pid int) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	s, ok := f.samples[pid]
	if !ok {
		return Sample{}, fmt.Errorf("process %d not found", pid)
	}
	return s, nil
}

func (f *Fake) NetworkBytes(appID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.network[appID], nil
}
