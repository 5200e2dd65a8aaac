// Package models provides data models for the fleet control plane.
package models

import (
	"errors"
	"fmt"
)

// CPUManufacturer identifies the vendor of a node's CPU.
type CPUManufacturer string

const (
	CPUManufacturerIntel CPUManufacturer = "Intel"
	CPUManufacturerAMD   CPUManufacturer = "AMD"
	CPUManufacturerAWS   CPUManufacturer = "AWS"
)

// IsValid returns true if the manufacturer is part of the catalogue.
func (m CPUManufacturer) IsValid() bool {
	switch m {
	case CPUManufacturerIntel, CPUManufacturerAMD, CPUManufacturerAWS:
		return true
	default:
		return false
	}
}

// Architecture is the CPU instruction set architecture of a node.
type Architecture string

const (
	ArchitectureArm64     Architecture = "arm64"
	ArchitectureArm64Mac  Architecture = "arm64-mac"
	ArchitectureI386      Architecture = "i386"
	ArchitectureX86_64    Architecture = "x86_64"
	ArchitectureX86_64Mac Architecture = "x86_64-mac"
)

// IsValid returns true if the architecture is part of the catalogue.
func (a Architecture) IsValid() bool {
	switch a {
	case ArchitectureArm64, ArchitectureArm64Mac, ArchitectureI386, ArchitectureX86_64, ArchitectureX86_64Mac:
		return true
	default:
		return false
	}
}

// GPUManufacturer identifies the vendor of a node's accelerators.
type GPUManufacturer string

const (
	GPUManufacturerNvidia GPUManufacturer = "Nvidia"
	GPUManufacturerAMD    GPUManufacturer = "AMD"
	GPUManufacturerHabana GPUManufacturer = "Habana"
)

// IsValid returns true if the manufacturer is part of the catalogue.
func (m GPUManufacturer) IsValid() bool {
	switch m {
	case GPUManufacturerNvidia, GPUManufacturerAMD, GPUManufacturerHabana:
		return true
	default:
		return false
	}
}

// GPUModel is the accelerator model. The catalogue is closed.
type GPUModel string

const (
	GPUModelRadeonProV520 GPUModel = "Radeon Pro V520"
	GPUModelGaudiHL205    GPUModel = "Gaudi HL-205"
	GPUModelA100          GPUModel = "A100"
	GPUModelA10G          GPUModel = "A10G"
	GPUModelB200          GPUModel = "B200"
	GPUModelH100          GPUModel = "H100"
	GPUModelH200          GPUModel = "H200"
	GPUModelL4            GPUModel = "L4"
	GPUModelL40S          GPUModel = "L40S"
	GPUModelT4            GPUModel = "T4"
	GPUModelT4g           GPUModel = "T4g"
	GPUModelV100          GPUModel = "V100"
)

// ValidGPUModels returns every model in the catalogue.
func ValidGPUModels() []GPUModel {
	return []GPUModel{
		GPUModelRadeonProV520,
		GPUModelGaudiHL205,
		GPUModelA100,
		GPUModelA10G,
		GPUModelB200,
		GPUModelH100,
		GPUModelH200,
		GPUModelL4,
		GPUModelL40S,
		GPUModelT4,
		GPUModelT4g,
		GPUModelV100,
	}
}

// IsValid returns true if the model is part of the catalogue.
func (m GPUModel) IsValid() bool {
	for _, known := range ValidGPUModels() {
		if m == known {
			return true
		}
	}
	return false
}

// CPU describes the processor configuration of a node, or the processor demand of a job.
type CPU struct {
	Manufacturer CPUManufacturer `json:"manufacturer,omitempty"`
	Architecture Architecture    `json:"architecture,omitempty"`
	Millicores   int64           `json:"millicores"`
}

// GPU describes the accelerators attached to a node, or the accelerator demand of a job.
type GPU struct {
	Manufacturer GPUManufacturer `json:"manufacturer"`
	Model        GPUModel        `json:"model"`
	MemoryMB     int64           `json:"memory_mb"`
	Count        int64           `json:"count"`
}

// Clone returns a copy of the GPU, or nil.
func (g *GPU) Clone() *GPU {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}

// ResourceRequirements is the demand a training job places on a node.
// It has the same shape as node capacity.
type ResourceRequirements struct {
	CPU      CPU   `json:"cpu"`
	GPU      *GPU  `json:"gpu,omitempty"`
	MemoryMB int64 `json:"memory_mb"`
}

// ErrInvalidResources is returned when a capacity or requirement record is malformed.
var ErrInvalidResources = errors.New("invalid resources")

// Validate checks the requirement record. Manufacturer and architecture may be left empty to
// accept any CPU.
func (r ResourceRequirements) Validate() error {
	if r.CPU.Manufacturer != "" && !r.CPU.Manufacturer.IsValid() {
		return fmt.Errorf("%w: unknown cpu manufacturer %q", ErrInvalidResources, r.CPU.Manufacturer)
	}
	if r.CPU.Architecture != "" && !r.CPU.Architecture.IsValid() {
		return fmt.Errorf("%w: unknown architecture %q", ErrInvalidResources, r.CPU.Architecture)
	}
	if r.CPU.Millicores < 0 || r.MemoryMB < 0 {
		return fmt.Errorf("%w: negative cpu or memory demand", ErrInvalidResources)
	}
	if r.GPU != nil {
		if err := r.GPU.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (g *GPU) validate() error {
	if !g.Manufacturer.IsValid() {
		return fmt.Errorf("%w: unknown gpu manufacturer %q", ErrInvalidResources, g.Manufacturer)
	}
	if !g.Model.IsValid() {
		return fmt.Errorf("%w: unknown gpu model %q", ErrInvalidResources, g.Model)
	}
	if g.Count <= 0 {
		return fmt.Errorf("%w: gpu count must be positive", ErrInvalidResources)
	}
	if g.MemoryMB < 0 {
		return fmt.Errorf("%w: negative gpu memory", ErrInvalidResources)
	}
	return nil
}

// SatisfiedBy reports whether a node's capacity meets every dimension of the requirement.
// CPU and memory are "at least" comparisons; a GPU demand must match manufacturer and model
// exactly and is never satisfied by a node without a GPU.
func (r ResourceRequirements) SatisfiedBy(n *ClusterNode) bool {
	if n == nil {
		return false
	}
	if r.CPU.Manufacturer != "" && r.CPU.Manufacturer != n.CPU.Manufacturer {
		return false
	}
	if r.CPU.Architecture != "" && r.CPU.Architecture != n.CPU.Architecture {
		return false
	}
	if n.CPU.Millicores < r.CPU.Millicores || n.MemoryMB < r.MemoryMB {
		return false
	}
	if r.GPU == nil {
		return true
	}
	if n.GPU == nil {
		return false
	}
	return n.GPU.Manufacturer == r.GPU.Manufacturer &&
		n.GPU.Model == r.GPU.Model &&
		n.GPU.Count >= r.GPU.Count &&
		n.GPU.MemoryMB >= r.GPU.MemoryMB
}
