package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/spatial-bottleneck/collective"
	"github.com/e7canasta/spatial-bottleneck/collective/mqtt"
	"github.com/e7canasta/spatial-bottleneck/collective/tcp"
	"github.com/e7canasta/spatial-bottleneck/config"
)

// connectLocal returns one communicator per hosted rank, in rank order.
// The local transport hosts the whole world in this process.
func connectLocal(cfg *config.Config) (*collective.LocalWorld, []collective.Communicator, error) {
	world := collective.NewLocalWorld(cfg.World.Size)
	comms, err := world.Split(cfg.World.GroupSize)
	if err != nil {
		world.Close()
		return nil, nil, err
	}
	return world, comms, nil
}

// connectRemote joins this process's group over tcp or mqtt. Every group
// gets its own session, derived from the world session.
func connectRemote(ctx context.Context, cfg *config.Config, m collective.Membership) (collective.Communicator, error) {
	session := cfg.GroupSession(m.Group)
	start := time.Now()

	var (
		comm collective.Communicator
		err  error
	)
	switch cfg.Transport.Kind {
	case "tcp":
		first := m.Ranks[0]
		comm, err = tcp.Dial(ctx, tcp.Config{
			Rank:    m.LocalRank,
			Addrs:   cfg.Transport.TCP.Addrs[first : first+m.GroupSize],
			Session: session,
		})
	case "mqtt":
		mc := cfg.Transport.MQTT
		comm, err = mqtt.Dial(ctx, mqtt.Config{
			Broker:   mc.Broker,
			ClientID: fmt.Sprintf("%s-%d", cfg.InstanceID, m.Rank),
			Prefix:   mc.Prefix,
			Session:  session,
			Rank:     m.LocalRank,
			Size:     m.GroupSize,
			QoS:      mc.QoS,
			Timeout:  time.Duration(mc.TimeoutS) * time.Second,
		})
	default:
		return nil, fmt.Errorf("transport %q is not remote", cfg.Transport.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s transport: %w", cfg.Transport.Kind, err)
	}

	slog.Info("transport connected",
		"kind", cfg.Transport.Kind,
		"rank", m.Rank,
		"group", m.Group,
		"local_rank", m.LocalRank,
		"session", session.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return comm, nil
}
