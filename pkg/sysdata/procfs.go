package sysdata

import (
	"os"
	"strconv"
	"strings"
)

// CPUSample holds aggregate jiffy counters from /proc/stat. Usage is
// derived from the delta between two samples.
type CPUSample struct {
	Total float64
	Idle  float64
}

// ReadCPUSample reads the aggregate cpu line from /proc/stat.
func ReadCPUSample() (CPUSample, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return CPUSample{}, err
	}

	var sample CPUSample
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		for i, value := range fields[1:] {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return CPUSample{}, err
			}
			sample.Total += v
			// fields 4 and 5 are idle and iowait
			if i == 3 || i == 4 {
				sample.Idle += v
			}
		}
		break
	}
	return sample, nil
}

// MemInfo holds RAM and swap figures from /proc/meminfo, in kilobytes.
type MemInfo struct {
	MemTotal     float64
	MemAvailable float64
	SwapTotal    float64
	SwapFree     float64
}

// ReadMemInfo reads memory usage from /proc/meminfo.
func ReadMemInfo() (MemInfo, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return MemInfo{}, err
	}

	var info MemInfo
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			info.MemTotal, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			info.MemAvailable, _ = strconv.ParseFloat(fields[1], 64)
		case "SwapTotal:":
			info.SwapTotal, _ = strconv.ParseFloat(fields[1], 64)
		case "SwapFree:":
			info.SwapFree, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	return info, nil
}

// InterfaceStats holds byte counters for one network interface.
type InterfaceStats struct {
	Name    string  `json:"name"`
	RxBytes float64 `json:"rx_bytes"`
	TxBytes float64 `json:"tx_bytes"`
}

// ReadNetDev reads per-interface counters from /proc/net/dev.
func ReadNetDev() ([]InterfaceStats, error) {
	data, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return nil, err
	}

	var stats []InterfaceStats
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		if !strings.Contains(line, ":") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		name := strings.TrimSpace(parts[0])
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rx, _ := strconv.ParseFloat(fields[0], 64)
		tx, _ := strconv.ParseFloat(fields[8], 64)
		stats = append(stats, InterfaceStats{Name: name, RxBytes: rx, TxBytes: tx})
	}
	return stats, nil
}
