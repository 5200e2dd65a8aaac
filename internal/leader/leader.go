// Package leader runs work on exactly one control plane replica at a time.
//
// With etcd endpoints configured, replicas campaign under a shared key prefix and only the
// elected one runs the scheduling loop. Without them, the local runner always leads.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/narvanalabs/fleet/pkg/config"
)

// ErrNotLeader is reported by health probes on replicas that are not leading.
var ErrNotLeader = errors.New("not the leader")

// Runner runs fn while this replica leads. fn's context is cancelled when leadership is lost
// or ctx ends. Run returns when ctx ends.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context)) error
	IsLeader() bool
	Close() error
}

// New returns an etcd-backed runner when cfg has endpoints, and a local runner otherwise.
func New(cfg config.LeaderConfig, identity string, logger *slog.Logger) (Runner, error) {
	if !cfg.Enabled() {
		return NewLocal(), nil
	}
	return NewElector(cfg, identity, logger)
}

// Probe reports ErrNotLeader when r is not leading.
func Probe(r Runner) func(context.Context) error {
	return func(context.Context) error {
		if r.IsLeader() {
			return nil
		}
		return ErrNotLeader
	}
}

// Local is a Runner for single-replica deployments.
type Local struct {
	leading atomic.Bool
}

// NewLocal returns a runner that always leads.
func NewLocal() *Local {
	return &Local{}
}

// Run calls fn and then waits for ctx to end.
func (l *Local) Run(ctx context.Context, fn func(ctx context.Context)) error {
	l.leading.Store(true)
	defer l.leading.Store(false)
	fn(ctx)
	<-ctx.Done()
	return nil
}

// IsLeader reports whether Run is active.
func (l *Local) IsLeader() bool { return l.leading.Load() }

// Close is a no-op.
func (l *Local) Close() error { return nil }

// Elector campaigns for leadership through etcd.
type Elector struct {
	client   *clientv3.Client
	prefix   string
	ttl      int
	identity string
	retry    time.Duration
	leading  atomic.Bool
	logger   *slog.Logger
}

// NewElector connects to etcd. identity is the value written to the election key, usually the
// hostname.
func NewElector(cfg config.LeaderConfig, identity string, logger *slog.Logger) (*Elector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &Elector{
		client:   cli,
		prefix:   cfg.Prefix,
		ttl:      cfg.SessionTTL,
		identity: identity,
		retry:    time.Second,
		logger:   logger.With("component", "leader", "identity", identity),
	}, nil
}

// Run campaigns until ctx ends. Each time this replica is elected, fn runs with a context that
// is cancelled when the etcd session expires; the replica then campaigns again.
func (e *Elector) Run(ctx context.Context, fn func(ctx context.Context)) error {
	for {
		err := e.term(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			e.logger.Warn("leader election failed, retrying", "error", err, "retry_in", e.retry)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.retry):
		}
	}
}

// term runs one session: campaign, lead, resign.
func (e *Elector) term(ctx context.Context, fn func(ctx context.Context)) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(e.ttl))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, e.prefix)
	e.logger.Info("campaigning for leadership", "prefix", e.prefix)
	if err := election.Campaign(ctx, e.identity); err != nil {
		return fmt.Errorf("campaigning: %w", err)
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			e.logger.Warn("leadership session expired")
			cancel()
		case <-leaderCtx.Done():
		}
	}()

	e.leading.Store(true)
	e.logger.Info("elected leader")
	fn(leaderCtx)
	<-leaderCtx.Done()
	e.leading.Store(false)

	resignCtx, resignCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer resignCancel()
	if err := election.Resign(resignCtx); err != nil {
		e.logger.Warn("failed to resign leadership", "error", err)
	} else {
		e.logger.Info("resigned leadership")
	}
	return nil
}

// IsLeader reports whether this replica currently leads.
func (e *Elector) IsLeader() bool { return e.leading.Load() }

// Close closes the etcd client.
func (e *Elector) Close() error {
	return e.client.Close()
}
