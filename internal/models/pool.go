package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CloudProvider is the provider an instance pool draws machines from.
type CloudProvider string

const (
	CloudProviderAWS   CloudProvider = "aws"
	CloudProviderGCP   CloudProvider = "gcp"
	CloudProviderAzure CloudProvider = "azure"
)

// IsValid returns true if the provider is known.
func (p CloudProvider) IsValid() bool {
	switch p {
	case CloudProviderAWS, CloudProviderGCP, CloudProviderAzure:
		return true
	default:
		return false
	}
}

// InstancePool bounds the number of nodes of one (provider, region, instance type) triple.
type InstancePool struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Provider     CloudProvider `json:"provider"`
	Region       string        `json:"region"`
	InstanceType string        `json:"instance_type"`
	MinInstances int           `json:"min_instances"`
	MaxInstances int           `json:"max_instances"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ErrInvalidPool is returned when an instance pool definition is malformed.
var ErrInvalidPool = errors.New("invalid instance pool")

// Validate checks the pool definition.
func (p *InstancePool) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPool)
	}
	if !p.Provider.IsValid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidPool, p.Provider)
	}
	if p.Region == "" || p.InstanceType == "" {
		return fmt.Errorf("%w: region and instance_type are required", ErrInvalidPool)
	}
	if p.MinInstances < 0 {
		return fmt.Errorf("%w: min_instances must not be negative", ErrInvalidPool)
	}
	if p.MaxInstances < p.MinInstances {
		return fmt.Errorf("%w: max_instances %d below min_instances %d", ErrInvalidPool, p.MaxInstances, p.MinInstances)
	}
	return nil
}
