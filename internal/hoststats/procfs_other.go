//go:build !linux

package hoststats

import "fmt"

// Procfs is only available on Linux.
type Procfs struct{ Null }

func NewProcfs(string) (*Procfs, error) {
	return nil, fmt.Errorf("procfs host stats are not supported on this platform")
}

func (p *Procfs) Forget(...int) {}
