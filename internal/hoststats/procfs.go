//go:build linux

package hoststats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

type cpuMark struct {
	seconds float64
	at      time.Time
}

// Procfs reads /proc. Processes are attributed to an app by the AppEnvKey
// entry in their environment. Network counters come from the network
// namespaces of the app's processes; a process sharing the host namespace
// contributes nothing, since host traffic cannot be split per app.
type Procfs struct {
	fs     procfs.FS
	hostNS uint32

	mu  sync.Mutex
	cpu map[int]cpuMark
	now func() time.Time
}

func NewProcfs(mountPoint string) (*Procfs, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", mountPoint, err)
	}

	p := &Procfs{
		fs:  fs,
		cpu: make(map[int]cpuMark),
		now: time.Now,
	}

	if self, err := fs.Self(); err == nil {
		if ns, err := self.Namespaces(); err == nil {
			if net, ok := ns["net"]; ok {
				p.hostNS = net.Inode
			}
		}
	}
	return p, nil
}

func (p *Procfs) Processes(appID string) ([]ProcessInfo, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	marker := AppEnvKey + "=" + appID
	var out []ProcessInfo
	for _, proc := range procs {
		environ, err := proc.Environ()
		if err != nil {
			continue
		}
		if !containsEntry(environ, marker) {
			continue
		}

		info := ProcessInfo{PID: proc.PID}
		if stat, err := proc.Stat(); err == nil {
			info.Name = stat.Comm
			if start, err := stat.StartTime(); err == nil {
				sec := int64(start)
				info.StartTime = time.Unix(sec, int64((start-float64(sec))*1e9))
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *Procfs) Sample(pid int) (Sample, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return Sample{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, err
	}

	now := p.now()
	seconds := stat.CPUTime()
	sample := Sample{MemoryBytes: int64(stat.ResidentMemory())}

	p.mu.Lock()
	prev, ok := p.cpu[pid]
	p.cpu[pid] = cpuMark{seconds: seconds, at: now}
	p.mu.Unlock()

	if ok {
		wall := now.Sub(prev.at).Seconds()
		if wall > 0 && seconds >= prev.seconds {
			sample.CPUPercent = (seconds - prev.seconds) / wall * 100
		}
	}
	return sample, nil
}

func (p *Procfs) NetworkBytes(appID string) (int64, error) {
	procs, err := p.Processes(appID)
	if err != nil {
		return 0, err
	}

	seen := make(map[uint32]bool)
	var total int64
	for _, info := range procs {
		proc, err := p.fs.Proc(info.PID)
		if err != nil {
			continue
		}
		ns, err := proc.Namespaces()
		if err != nil {
			continue
		}
		net, ok := ns["net"]
		if !ok || net.Inode == p.hostNS || seen[net.Inode] {
			continue
		}
		seen[net.Inode] = true

		dev, err := proc.NetDev()
		if err != nil {
			continue
		}
		for name, line := range dev {
			if name == "lo" {
				continue
			}
			total += int64(line.RxBytes + line.TxBytes)
		}
	}
	return total, nil
}

// Forget drops CPU bookkeeping for pids that are gone.
func (p *Procfs) Forget(pids ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pid := range pids {
		delete(p.cpu, pid)
	}
}

func containsEntry(environ []string, entry string) bool {
	for _, kv := range environ {
		if kv == entry || strings.TrimRight(kv, "\x00") == entry {
			return true
		}
	}
	return false
}
