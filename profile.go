package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// Profiler is an active profiling session started by SIGUSR2 and stopped by
// the next SIGUSR2 or on exit. Every profile lands in its own file under dir.
type Profiler struct {
	dir     string
	closers []func()
	once    sync.Once
}

// profile starts one kind of profile writing to f, returning the function
// that finishes it.
type profile struct {
	kind  string
	start func(f *os.File) (stop func(), err error)
}

var profiles = []profile{
	{"cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	}},
	{"mem", func(f *os.File) (func(), error) {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() {
			_ = pprof.Lookup("heap").WriteTo(f, 0)
			runtime.MemProfileRate = old
		}, nil
	}},
	{"mutex", func(f *os.File) (func(), error) {
		runtime.SetMutexProfileFraction(1)
		return func() {
			_ = pprof.Lookup("mutex").WriteTo(f, 0)
			runtime.SetMutexProfileFraction(0)
		}, nil
	}},
	{"block", func(f *os.File) (func(), error) {
		runtime.SetBlockProfileRate(1)
		return func() {
			_ = pprof.Lookup("block").WriteTo(f, 0)
			runtime.SetBlockProfileRate(0)
		}, nil
	}},
	{"trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	}},
}

// StartProfiler starts every profile. A profile that fails to start is logged
// and skipped.
func StartProfiler(dir string) *Profiler {
	p := &Profiler{dir: dir}
	for _, pf := range profiles {
		fn := dumpFile(dir, pf.kind, "pprof")
		f, err := os.Create(fn)
		if err != nil {
			glog.Errorf("pprof: could not create %s profile %q: %v", pf.kind, fn, err)
			continue
		}
		stop, err := pf.start(f)
		if err != nil {
			glog.Errorf("pprof: could not start %s profile: %v", pf.kind, err)
			f.Close()
			continue
		}
		glog.Infof("pprof: %s profiling enabled, %s", pf.kind, fn)
		kind := pf.kind
		p.closers = append(p.closers, func() {
			stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
		})
	}
	return p
}

// Stop flushes and closes every profile. Only the first call does anything.
func (p *Profiler) Stop() {
	p.once.Do(func() {
		for _, closer := range p.closers {
			closer()
		}
	})
}

// dumpGoroutines writes the stacks of all goroutines, the way a panic prints them.
func dumpGoroutines(dir string) {
	fn := dumpFile(dir, "goroutines", "dump")
	glog.Infof("pprof: dumping goroutines to %s", fn)
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create goroutine dump %q: %v", fn, err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("pprof: write goroutine dump %q error: %v", fn, err)
	}
}

func dumpFile(dir, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}
