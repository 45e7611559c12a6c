//go:build !linux

package health

import "context"

// NftablesCheck reports nftables as unavailable on this OS.
func NftablesCheck(table string) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: StatusDegraded, Message: "nftables unsupported on this OS"}
	}
}
