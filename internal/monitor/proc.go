package monitor

import "github.com/prometheus/procfs"

type procStat struct {
	cpuSeconds   float64
	rss          uint64
	memTotal     uint64
	memAvailable uint64
}

type procReader interface {
	read() (procStat, error)
}

// procfsReader reads /proc. On systems without procfs read always fails and
// samples carry runtime figures only.
type procfsReader struct {
	fs  procfs.FS
	err error
}

func newProcReader() procReader {
	fs, err := procfs.NewDefaultFS()
	return &procfsReader{fs: fs, err: err}
}

func (r *procfsReader) read() (procStat, error) {
	if r.err != nil {
		return procStat{}, r.err
	}
	self, err := r.fs.Self()
	if err != nil {
		return procStat{}, err
	}
	st, err := self.Stat()
	if err != nil {
		return procStat{}, err
	}
	out := procStat{cpuSeconds: st.CPUTime(), rss: uint64(st.ResidentMemory())}

	mi, err := r.fs.Meminfo()
	if err != nil {
		return out, nil
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return out, nil
	}
	// Meminfo reports kB.
	out.memTotal = *mi.MemTotal * 1024
	out.memAvailable = *mi.MemAvailable * 1024
	return out, nil
}
