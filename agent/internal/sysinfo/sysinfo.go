// Package sysinfo collects host resource utilization for heartbeat
// reporting. Collection is best-effort: a probe that fails reports zero
// for its metric rather than failing the heartbeat.
package sysinfo

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// Collect returns a snapshot of current host resource usage as
// percentages (0–100). dataPath selects the filesystem whose usage is
// reported; pass the agent data directory.
func Collect(ctx context.Context, dataPath string) wire.AgentMetrics {
	var m wire.AgentMetrics

	// Interval 0 compares against the previous call instead of blocking.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, dataPath); err == nil {
		m.DiskPercent = du.UsedPercent
	}
	return m
}
