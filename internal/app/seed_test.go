package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/nodesync/internal/config"
	"github.com/stacklok/nodesync/internal/peer"
)

type recordingSeeder struct {
	nodes []peer.Node
	err   error
}

func (s *recordingSeeder) Seed(_ context.Context, nodes []peer.Node) error {
	s.nodes = append(s.nodes, nodes...)
	return s.err
}

func TestSeedPeers(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Peers: config.PeersConfig{Seed: []config.PeerConfig{
		{ID: "node-b", Name: "B", Hostname: "b.example.test", Port: 8080},
		{ID: "node-c", Hostname: "c.example.test", Port: 9090, Disabled: true},
	}}}

	s := &recordingSeeder{}
	require.NoError(t, SeedPeers(context.Background(), cfg, s))
	require.Len(t, s.nodes, 2)
	assert.Equal(t, peer.Node{ID: "node-b", Name: "B", Hostname: "b.example.test", Port: 8080, Active: true}, s.nodes[0])
	assert.False(t, s.nodes[1].Active)
}

func TestSeedPeers_NothingToSeed(t *testing.T) {
	t.Parallel()
	s := &recordingSeeder{err: errors.New("must not be called")}
	require.NoError(t, SeedPeers(context.Background(), &config.Config{}, s))
	assert.Empty(t, s.nodes)
}

func TestSeedPeers_Errors(t *testing.T) {
	t.Parallel()
	require.Error(t, SeedPeers(context.Background(), nil, &recordingSeeder{}))

	cfg := &config.Config{Peers: config.PeersConfig{Seed: []config.PeerConfig{{ID: "x", Hostname: "h", Port: 1}}}}
	err := SeedPeers(context.Background(), cfg, &recordingSeeder{err: peer.ErrInvalid})
	assert.ErrorIs(t, err, peer.ErrInvalid)
}
