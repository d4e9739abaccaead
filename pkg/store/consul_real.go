//go:build consul

package store

import (
	"line-plant/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr, prefix string) (Store, error) {
	return consul.NewStore(addr, prefix)
}
