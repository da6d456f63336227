package proxypool

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/id/uuid"
)

type inventoryFile struct {
	Proxies []crawler.ProxyDescriptor `yaml:"proxies"`
}

// ParseInventory decodes a YAML proxy inventory. Entries without an id get a
// stable id derived from their endpoint.
func ParseInventory(data []byte) ([]crawler.ProxyDescriptor, error) {
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("decode proxy inventory: %w", err)
	}
	out := make([]crawler.ProxyDescriptor, 0, len(inv.Proxies))
	for i, desc := range inv.Proxies {
		desc = WithID(desc)
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("proxy inventory entry %d: %w", i, err)
		}
		out = append(out, desc)
	}
	return out, nil
}

// LoadFile reads a YAML proxy inventory from path.
func LoadFile(path string) ([]crawler.ProxyDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proxy inventory: %w", err)
	}
	return ParseInventory(data)
}

// WithID fills in a stable id when desc has none.
func WithID(desc crawler.ProxyDescriptor) crawler.ProxyDescriptor {
	if desc.ID == "" && desc.Host != "" {
		desc.ID = uuid.ProxyID(desc.Scheme, desc.Host, desc.Port)
	}
	return desc
}

// AddAll registers every descriptor, stopping at the first failure.
func (p *Pool) AddAll(ctx context.Context, descs []crawler.ProxyDescriptor) error {
	for _, desc := range descs {
		if err := p.Add(ctx, desc); err != nil {
			return err
		}
	}
	return nil
}
