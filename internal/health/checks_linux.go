//go:build linux

package health

import (
	"context"
	"fmt"

	"grimm.is/harborshield/internal/firewall"
)

// NftablesCheck verifies netlink access and that table is loaded.
func NftablesCheck(table string) CheckFunc {
	return nftablesCheck(table, firewall.DialNFTables)
}

// nftablesCheck only degrades health: an unreadable kernel table does not
// mean enforcement failed, and the reconcile check owns that verdict.
func nftablesCheck(table string, dial func() (firewall.NFTablesConn, error)) CheckFunc {
	return func(ctx context.Context) Check {
		conn, err := dial()
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("failed to open nftables connection: %v", err)}
		}
		tables, err := conn.ListTables()
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("failed to list tables: %v", err)}
		}
		for _, t := range tables {
			if t.Name == table {
				return Check{Status: StatusHealthy, Message: fmt.Sprintf("table %s loaded (%d tables)", table, len(tables))}
			}
		}
		return Check{Status: StatusDegraded, Message: fmt.Sprintf("table %s not loaded", table)}
	}
}
