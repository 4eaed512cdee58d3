package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/peer"
)

// PeerSeeder is the part of the peer registry startup seeding needs
type PeerSeeder interface {
	Seed(ctx context.Context, nodes []peer.Node) error
}

// SeedPeers registers the peers listed in configuration. It is idempotent and
// keeps the lastSeen of peers that already exist.
func SeedPeers(ctx context.Context, cfg *config.Config, registry PeerSeeder) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if len(cfg.Peers.Seed) == 0 {
		return nil
	}

	nodes := make([]peer.Node, 0, len(cfg.Peers.Seed))
	for _, p := range cfg.Peers.Seed {
		nodes = append(nodes, peer.Node{
			ID:       p.ID,
			Name:     p.Name,
			Hostname: p.Hostname,
			Port:     p.Port,
			Active:   !p.Disabled,
		})
	}

	if err := registry.Seed(ctx, nodes); err != nil {
		return err
	}
	slog.Info("Seeded peers from configuration", "count", len(nodes))
	return nil
}
