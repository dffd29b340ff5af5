package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/liveness"
	"github.com/agentry/partyline/pkg/log"
	"github.com/agentry/partyline/pkg/storage"
	"github.com/agentry/partyline/pkg/types"
)

// ErrNoCommand is returned by Start when no agent command is configured.
var ErrNoCommand = errors.New("agent command not configured")

const (
	defaultJoinWait  = 60 * time.Second
	defaultJoinPoll  = 500 * time.Millisecond
	defaultKillGrace = time.Second
)

// Config carries the launcher's dependencies. The wait knobs exist for
// tests; zero values take the defaults.
type Config struct {
	Store   storage.Store
	Timings types.Timings
	Prober  liveness.Prober

	JoinWait  time.Duration
	JoinPoll  time.Duration
	KillGrace time.Duration
}

// Launcher spawns local agent processes and tears them down again. It works
// purely through the pool: a started process is considered up once a new
// peer id appears, and kill resolves ids back to PIDs through the records.
type Launcher struct {
	store   storage.Store
	timings types.Timings
	prober  liveness.Prober
	logger  zerolog.Logger

	joinWait  time.Duration
	joinPoll  time.Duration
	killGrace time.Duration
}

// New wires a Launcher from cfg.
func New(cfg Config) *Launcher {
	l := &Launcher{
		store:     cfg.Store,
		timings:   cfg.Timings,
		prober:    cfg.Prober,
		logger:    log.WithComponent("launcher"),
		joinWait:  cfg.JoinWait,
		joinPoll:  cfg.JoinPoll,
		killGrace: cfg.KillGrace,
	}
	if l.prober == nil {
		l.prober = liveness.NewPIDProber()
	}
	if l.joinWait <= 0 {
		l.joinWait = defaultJoinWait
	}
	if l.joinPoll <= 0 {
		l.joinPoll = defaultJoinPoll
	}
	if l.killGrace <= 0 {
		l.killGrace = defaultKillGrace
	}
	return l
}

// Start launches command in dir, detached from this process, and waits for
// a new agent id to join the pool. The command is split on whitespace; no
// shell quoting is interpreted.
func (l *Launcher) Start(ctx context.Context, dir, command string) (string, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return "", ErrNoCommand
	}
	before, err := l.peerIDs(ctx)
	if err != nil {
		return "", fmt.Errorf("reading pool before launch: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %q: %w", args[0], err)
	}
	pid := cmd.Process.Pid
	// The agent outlives us; drop the handle so it is not tied to our exit.
	_ = cmd.Process.Release()
	l.logger.Info().Int("pid", pid).Str("dir", dir).Str("command", args[0]).Msg("agent process started")

	deadline := time.Now().Add(l.joinWait)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.joinPoll):
		}
		peers, err := l.store.ListPeers(ctx)
		if err != nil {
			continue
		}
		for _, p := range peers {
			if before[p.ID] {
				continue
			}
			// Any newcomer counts: agent commands often wrap the real
			// process in a shell, so the claimed PID rarely matches ours.
			return p.ID, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no new agent joined within %s", l.joinWait)
		}
	}
}

// Kill terminates the agent with the given id: SIGTERM, a grace window,
// then SIGKILL. With purge the pool record is removed immediately instead
// of waiting for the reaper. Refuses the broadcast name.
func (l *Launcher) Kill(ctx context.Context, id string, purge bool) error {
	if strings.EqualFold(id, types.BroadcastTarget) {
		return fmt.Errorf("refusing to kill %q; name agents explicitly", id)
	}
	peer, err := l.store.GetPeer(ctx, id)
	if err != nil {
		return fmt.Errorf("agent %q: %w", id, err)
	}
	if !peer.Online(time.Now(), l.timings.HeartbeatTTL) {
		l.logger.Warn().Str("agent_id", id).Time("last_seen", peer.LastSeen).
			Msg("record is stale, process may already be gone")
	}
	host, _ := os.Hostname()
	if peer.Hostname != host {
		return fmt.Errorf("agent %q runs on %s, not here", id, peer.Hostname)
	}

	if peer.PID > 0 && l.prober.Alive(peer.PID) {
		l.terminate(peer.PID)
	}
	if purge {
		if err := l.store.DeletePeer(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("purging %q: %w", id, err)
		}
	}
	l.logger.Info().Str("agent_id", id).Int("pid", peer.PID).Bool("purge", purge).Msg("agent killed")
	return nil
}

// terminate asks politely first. On platforms without SIGTERM delivery the
// signal call fails silently and the grace loop escalates to Kill.
func (l *Launcher) terminate(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	grace := time.Now().Add(l.killGrace)
	for time.Now().Before(grace) {
		if !l.prober.Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Kill()
}

func (l *Launcher) peerIDs(ctx context.Context) (map[string]bool, error) {
	peers, err := l.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(peers))
	for _, p := range peers {
		ids[p.ID] = true
	}
	return ids, nil
}
