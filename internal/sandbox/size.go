package sandbox

import (
	"os"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
)

// DirSize returns the total size of regular files under root. Entries that
// vanish during the walk are skipped; a missing root counts as empty.
func DirSize(root string) (int64, error) {
	if _, err := os.Lstat(root); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var total atomic.Int64
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total.Add(info.Size())
		return nil
	})
	return total.Load(), err
}
