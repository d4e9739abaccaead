//go:build !consul

package store

import (
	"line-plant/pkg/util"
)

// NewConsulStore returns a memory store when the consul build tag is not enabled.
func NewConsulStore(addr, prefix string) (Store, error) {
	util.WithField("addr", addr).Warn("consul store requested but consul build tag not enabled; using memory store")
	return NewMemoryStore(), nil
}
