package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/metricsd/metricsd/pkg/utils"
)

const (
	defaultSampleInterval = 5 * time.Second
	defaultDiskPath       = "/"
)

// SamplerConfig configures the system resource sampler.
type SamplerConfig struct {
	// Interval is how often to collect resource readings.
	Interval time.Duration

	// DiskPath is the mount point measured for disk usage.
	DiskPath string

	// AppName and AppVersion populate the application info metric.
	AppName    string
	AppVersion string

	// Logger for sampler events.
	Logger *utils.StructuredLogger
}

// SystemSampler periodically reads process and host resource usage and
// writes the readings into registry instruments. Every reading degrades
// independently: a platform that cannot report one value still gets all
// the others.
type SystemSampler struct {
	logger   *utils.StructuredLogger
	proc     *process.Process
	interval time.Duration
	diskPath string

	cpuSecondsTotal *Counter
	residentMemory  *Gauge
	virtualMemory   *Gauge
	startTime       *Gauge
	openFDs         *Gauge
	maxFDs          *Gauge
	systemCPU       *Gauge
	systemMemory    *Gauge
	systemDisk      *Gauge
	appInfo         *Gauge

	// lastCPUTotal holds the previous sample's cumulative CPU seconds so
	// the counter is advanced by deltas, never set to an absolute value.
	mu           sync.Mutex
	lastCPUTotal float64
	haveLastCPU  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// ResourceSnapshot is a point-in-time view of process and host usage,
// served by the metrics summary endpoint.
type ResourceSnapshot struct {
	Process ProcessSnapshot `json:"process"`
	System  SystemSnapshot  `json:"system"`
}

// ProcessSnapshot holds per-process readings.
type ProcessSnapshot struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryVMS  uint64  `json:"memory_vms"`
	NumThreads int32   `json:"num_threads"`
}

// SystemSnapshot holds host-wide readings.
type SystemSnapshot struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryAvailable uint64  `json:"memory_available"`
	MemoryUsed      uint64  `json:"memory_used"`
}

// NewSystemSampler registers the process and system instruments and returns
// a sampler ready to start.
func NewSystemSampler(reg *Registry, config SamplerConfig) (*SystemSampler, error) {
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}
	if config.Interval <= 0 {
		config.Interval = defaultSampleInterval
	}
	if config.DiskPath == "" {
		config.DiskPath = defaultDiskPath
	}
	if config.AppName == "" {
		config.AppName = "metricsd"
	}
	if config.AppVersion == "" {
		config.AppVersion = "unknown"
	}

	s := &SystemSampler{
		logger:   config.Logger.WithComponent("sampler"),
		interval: config.Interval,
		diskPath: config.DiskPath,
	}

	var err error
	if s.cpuSecondsTotal, err = reg.NewCounter(
		"process_cpu_seconds_total",
		"Total user and system CPU time spent in seconds",
	); err != nil {
		return nil, err
	}
	if s.residentMemory, err = reg.NewGauge(
		"process_resident_memory_bytes",
		"Resident memory size in bytes",
	); err != nil {
		return nil, err
	}
	if s.virtualMemory, err = reg.NewGauge(
		"process_virtual_memory_bytes",
		"Virtual memory size in bytes",
	); err != nil {
		return nil, err
	}
	if s.startTime, err = reg.NewGauge(
		"process_start_time_seconds",
		"Start time of the process since unix epoch in seconds",
	); err != nil {
		return nil, err
	}
	if s.openFDs, err = reg.NewGauge(
		"process_open_fds",
		"Number of open file descriptors",
	); err != nil {
		return nil, err
	}
	if s.maxFDs, err = reg.NewGauge(
		"process_max_fds",
		"Maximum number of open file descriptors",
	); err != nil {
		return nil, err
	}
	if s.systemCPU, err = reg.NewGauge(
		"system_cpu_usage_percent",
		"System CPU usage percentage",
	); err != nil {
		return nil, err
	}
	if s.systemMemory, err = reg.NewGauge(
		"system_memory_usage_bytes",
		"System memory usage in bytes",
		"type",
	); err != nil {
		return nil, err
	}
	if s.systemDisk, err = reg.NewGauge(
		"system_disk_usage_bytes",
		"System disk usage in bytes",
		"type",
	); err != nil {
		return nil, err
	}
	if s.appInfo, err = reg.NewGauge(
		"app_info",
		"Application information",
		"name", "version", "goversion",
	); err != nil {
		return nil, err
	}
	s.recordErr("app_info", s.appInfo.Set(1, config.AppName, config.AppVersion, runtime.Version()))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Process readings degrade; system-wide readings still work.
		s.logger.Warn("process handle unavailable, process metrics disabled", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		s.proc = proc
		if createMs, err := proc.CreateTime(); err == nil {
			s.recordErr("start_time", s.startTime.Set(float64(createMs)/1000.0))
		}
	}

	return s, nil
}

// Start launches the periodic collection loop. An initial sample is taken
// immediately so the first scrape is not empty.
func (s *SystemSampler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return fmt.Errorf("sampler already running")
	}

	s.logger.Info("starting system metrics collection", map[string]interface{}{
		"interval": s.interval.String(),
	})

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.sampleLoop(ctx)

	return nil
}

// Stop stops the collection loop and waits for in-flight sample work to
// finish. Shutdown latency is bounded by one interval.
func (s *SystemSampler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return
	}
	s.logger.Info("stopping system metrics collection", nil)
	close(s.stopCh)
	s.wg.Wait()
}

func (s *SystemSampler) sampleLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample collects all resource readings once. Individual read failures are
// logged at warning level and do not abort the remaining readings.
func (s *SystemSampler) Sample() {
	s.collectProcess()
	s.collectSystem()
}

func (s *SystemSampler) collectProcess() {
	if s.proc == nil {
		return
	}

	if times, err := s.proc.Times(); err != nil {
		s.warnRead("process_cpu_times", err)
	} else {
		total := times.User + times.System

		s.mu.Lock()
		delta := total - s.lastCPUTotal
		first := !s.haveLastCPU
		s.lastCPUTotal = total
		s.haveLastCPU = true
		s.mu.Unlock()

		// The first sample only establishes the baseline.
		if !first && delta > 0 {
			s.recordErr("process_cpu", s.cpuSecondsTotal.Add(delta))
		}
	}

	if memInfo, err := s.proc.MemoryInfo(); err != nil {
		s.warnRead("process_memory", err)
	} else {
		s.recordErr("process_memory", s.residentMemory.Set(float64(memInfo.RSS)))
		s.recordErr("process_memory", s.virtualMemory.Set(float64(memInfo.VMS)))
	}

	if numFDs, err := s.proc.NumFDs(); err != nil {
		// Not available on all platforms.
		s.warnRead("process_fds", err)
	} else {
		s.recordErr("process_fds", s.openFDs.Set(float64(numFDs)))
	}

	if limits, err := s.proc.RlimitUsage(false); err != nil {
		s.warnRead("process_max_fds", err)
	} else {
		for _, limit := range limits {
			if limit.Resource == process.RLIMIT_NOFILE {
				s.recordErr("process_max_fds", s.maxFDs.Set(float64(limit.Soft)))
				break
			}
		}
	}
}

func (s *SystemSampler) collectSystem() {
	if percents, err := cpu.Percent(0, false); err != nil || len(percents) == 0 {
		s.warnRead("system_cpu", err)
	} else {
		s.recordErr("system_cpu", s.systemCPU.Set(percents[0]))
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.warnRead("system_memory", err)
	} else {
		s.recordErr("system_memory", s.systemMemory.Set(float64(vm.Total), "total"))
		s.recordErr("system_memory", s.systemMemory.Set(float64(vm.Available), "available"))
		s.recordErr("system_memory", s.systemMemory.Set(float64(vm.Used), "used"))
		s.recordErr("system_memory", s.systemMemory.Set(float64(vm.Free), "free"))
	}

	if du, err := disk.Usage(s.diskPath); err != nil {
		s.warnRead("system_disk", err)
	} else {
		s.recordErr("system_disk", s.systemDisk.Set(float64(du.Total), "total"))
		s.recordErr("system_disk", s.systemDisk.Set(float64(du.Used), "used"))
		s.recordErr("system_disk", s.systemDisk.Set(float64(du.Free), "free"))
	}
}

// Snapshot returns current readings for the summary endpoint. Readings
// that cannot be taken are left at their zero value.
func (s *SystemSampler) Snapshot() ResourceSnapshot {
	var snap ResourceSnapshot

	if s.proc != nil {
		if pct, err := s.proc.CPUPercent(); err == nil {
			snap.Process.CPUPercent = pct
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			snap.Process.MemoryRSS = memInfo.RSS
			snap.Process.MemoryVMS = memInfo.VMS
		}
		if threads, err := s.proc.NumThreads(); err == nil {
			snap.Process.NumThreads = threads
		}
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.System.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.System.MemoryPercent = vm.UsedPercent
		snap.System.MemoryAvailable = vm.Available
		snap.System.MemoryUsed = vm.Used
	}

	return snap
}

// Interval returns the configured sampling interval.
func (s *SystemSampler) Interval() time.Duration {
	return s.interval
}

func (s *SystemSampler) warnRead(reading string, err error) {
	fields := map[string]interface{}{"reading": reading}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Warn("resource reading unavailable", fields)
}

func (s *SystemSampler) recordErr(reading string, err error) {
	if err != nil {
		s.logger.Error("metric update failed", map[string]interface{}{
			"reading": reading,
			"error":   err.Error(),
		})
	}
}
