package agent

import (
	"context"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetadata describes the machine the agent runs on, for the service
// metadata. Facts that cannot be read are left out.
func HostMetadata(ctx context.Context) map[string]string {
	out := make(map[string]string)
	if info, err := host.InfoWithContext(ctx); err == nil {
		set(out, "hostname", info.Hostname)
		set(out, "os", info.OS)
		set(out, "platform", info.Platform)
		set(out, "platform_version", info.PlatformVersion)
		set(out, "kernel", info.KernelVersion)
		set(out, "arch", info.KernelArch)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		out["cpus"] = strconv.Itoa(n)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["mem_total"] = strconv.FormatUint(vm.Total, 10)
	}
	return out
}

func set(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}
