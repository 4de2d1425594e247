package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemChecker reports unhealthy when host memory or CPU pressure
// crosses the given percentage thresholds. Registered as a critical
// check it fails readiness; registered as non-critical (as the API
// server does) it only degrades the detailed report. Pass 0 for either
// threshold to skip that check.
func SystemChecker(maxMemoryPercent, maxCPUPercent float64) Checker {
	return func(ctx context.Context) error {
		if maxMemoryPercent > 0 {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return fmt.Errorf("read memory stats: %w", err)
			}
			if vm.UsedPercent > maxMemoryPercent {
				return fmt.Errorf("memory usage %.1f%% exceeds %.1f%%", vm.UsedPercent, maxMemoryPercent)
			}
		}
		if maxCPUPercent > 0 {
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return fmt.Errorf("read cpu stats: %w", err)
			}
			if len(percents) > 0 && percents[0] > maxCPUPercent {
				return fmt.Errorf("cpu usage %.1f%% exceeds %.1f%%", percents[0], maxCPUPercent)
			}
		}
		return nil
	}
}
