package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// DefaultWindow is how long CPU usage and network traffic are measured for.
const DefaultWindow = 200 * time.Millisecond

// Sampler produces host telemetry readings.
type Sampler interface {
	Sample(ctx context.Context) (models.TelemetrySample, error)
}

// HostSampler reads the local host through gopsutil. Collector failures are
// logged and reported as zero so one broken source does not stop the stream.
type HostSampler struct {
	log    zerolog.Logger
	window time.Duration

	usageCollector     func(context.Context, time.Duration, bool) ([]float64, error)
	memoryCollector    func(context.Context) (*mem.VirtualMemoryStat, error)
	partitionCollector func(context.Context, bool) ([]disk.PartitionStat, error)
	diskUsage          func(context.Context, string) (*disk.UsageStat, error)
	netCollector       func(context.Context, bool) ([]net.IOCountersStat, error)
}

func NewHostSampler(log zerolog.Logger, window time.Duration) *HostSampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &HostSampler{
		log:                log,
		window:             window,
		usageCollector:     cpu.PercentWithContext,
		memoryCollector:    mem.VirtualMemoryWithContext,
		partitionCollector: disk.PartitionsWithContext,
		diskUsage:          disk.UsageWithContext,
		netCollector:       net.IOCountersWithContext,
	}
}

// Sample takes one reading. It blocks for the sample window; CPU usage and
// network traffic are measured across it.
func (s *HostSampler) Sample(ctx context.Context) (models.TelemetrySample, error) {
	before, netErr := s.netBytes(ctx)

	var sample models.TelemetrySample
	if usage, err := s.usageCollector(ctx, s.window, false); err != nil {
		if ctx.Err() != nil {
			return sample, ctx.Err()
		}
		s.log.Warn().Err(err).Msg("cpu collection failed; reporting zero")
	} else if len(usage) > 0 {
		sample.CPU = models.Percent(usage[0])
	}

	after, err := s.netBytes(ctx)
	switch {
	case netErr != nil || err != nil:
		s.log.Warn().AnErr("before", netErr).AnErr("after", err).Msg("network collection failed; reporting zero")
	case after >= before:
		sample.Network = after - before
	}

	if vm, err := s.memoryCollector(ctx); err != nil {
		s.log.Warn().Err(err).Msg("memory collection failed; reporting zero")
	} else {
		sample.Memory = models.Percent(vm.UsedPercent)
	}

	sample.Disk = s.diskPercent(ctx)

	return sample, nil
}

func (s *HostSampler) netBytes(ctx context.Context) (uint64, error) {
	counters, err := s.netCollector(ctx, false)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range counters {
		total += c.BytesSent + c.BytesRecv
	}
	return total, nil
}

// diskPercent sums usage over every physical partition. A zero total
// reports zero.
func (s *HostSampler) diskPercent(ctx context.Context) uint8 {
	partitions, err := s.partitionCollector(ctx, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("disk collection failed; reporting zero")
		return 0
	}

	var total, used uint64
	seen := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		if seen[p.Device] {
			continue
		}
		seen[p.Device] = true

		usage, err := s.diskUsage(ctx, p.Mountpoint)
		if err != nil {
			s.log.Debug().Err(err).Str("mountpoint", p.Mountpoint).Msg("skipping partition")
			continue
		}
		total += usage.Total
		used += usage.Used
	}

	return DiskPercent(used, total)
}

// DiskPercent returns used/total as a clamped percentage, zero when total is
// zero.
func DiskPercent(used, total uint64) uint8 {
	if total == 0 {
		return 0
	}
	return models.Percent(float64(used) / float64(total) * 100)
}
