package transfer

import (
	"context"
	"fmt"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/syncerr"
)

// verifyTables compares count and checksum of every table on both sides
func verifyTables(
	ctx context.Context,
	ds dataset.Dataset,
	client Client,
	node peer.Node,
	scope dataset.Scope,
	tables []string,
) error {
	remote, err := client.Manifest(ctx, node, scope)
	if err != nil {
		return err
	}

	byTable := make(map[string]dataset.Manifest, len(remote.Tables))
	for _, m := range remote.Tables {
		byTable[m.Table] = m
	}

	for _, table := range tables {
		local, err := ds.Manifest(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to read local manifest of %s: %w", table, err)
		}
		theirs, ok := byTable[table]
		if !ok {
			return syncerr.Integrity("verify "+table, fmt.Errorf("peer %s did not report table %s", node.ID, table))
		}
		if err := security.CompareManifests(local, theirs); err != nil {
			return err
		}
	}
	return nil
}

// localManifests returns the manifests of the given tables
func localManifests(ctx context.Context, ds dataset.Dataset, tables []string) ([]dataset.Manifest, error) {
	out := make([]dataset.Manifest, 0, len(tables))
	for _, table := range tables {
		m, err := ds.Manifest(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest of %s: %w", table, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func sumRecords(manifests []dataset.Manifest) int64 {
	var n int64
	for _, m := range manifests {
		n += m.RecordCount
	}
	return n
}
