package erinyes

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// MemorySampler reports resident memory of the host process.
type MemorySampler interface {
	RSS() (int64, error)
}

// ProcessSampler samples this process through gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

func (s *ProcessSampler) RSS() (int64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int64(info.RSS), nil
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func() (int64, error)

func (f SamplerFunc) RSS() (int64, error) {
	return f()
}
