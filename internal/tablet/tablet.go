package tablet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

type CommandOp string

const (
	PutOp    CommandOp = "PUT"
	DeleteOp CommandOp = "DELETE"
)

// Command is the payload of a WRITE entry.
type Command struct {
	ID    uuid.UUID `json:"id"`
	Op    CommandOp `json:"op"`
	Key   string    `json:"key"`
	Value string    `json:"value,omitempty"`
}

func decodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: decode command: %v", rafterrors.ErrCorruption, err)
	}
	switch cmd.Op {
	case PutOp, DeleteOp:
	default:
		return Command{}, fmt.Errorf("%w: unknown command op %q", rafterrors.ErrCorruption, cmd.Op)
	}
	return cmd, nil
}

// Replicator is the part of the consensus engine the tablet writes through.
type Replicator interface {
	ReplicateBatch(rounds []*consensus.ConsensusRound) error
	CheckIsActiveLeaderAndHasLease() error
}

type kvMap = skipmap.FuncMap[string, string]

// Tablet is a replicated key/value state machine. Writes go through the
// consensus log and are applied once committed; reads are served by a leader
// holding a lease.
type Tablet struct {
	id  types.TabletID
	log *slog.Logger

	data *kvMap

	mu         sync.RWMutex
	replicator Replicator
	applied    types.OpID
	configs    int
}

func New(id types.TabletID, logger *slog.Logger) *Tablet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tablet{
		id:  id,
		log: logger.With("tablet", id, "component", "tablet"),
		data: skipmap.NewFunc[string, string](func(a, b string) bool {
			return a < b
		}),
	}
}

// Bind attaches the engine. It must be called before Start of the engine.
func (t *Tablet) Bind(r Replicator) {
	t.mu.Lock()
	t.replicator = r
	t.mu.Unlock()
}

func (t *Tablet) replicatorOrErr() (Replicator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.replicator == nil {
		return nil, rafterrors.WithCode(rafterrors.CodeTabletNotRunning,
			fmt.Errorf("%w: tablet %s is not bound to a consensus engine", rafterrors.ErrServiceUnavailable, t.id))
	}
	return t.replicator, nil
}

func (t *Tablet) Put(ctx context.Context, key, value string) error {
	return t.execute(ctx, Command{ID: uuid.New(), Op: PutOp, Key: key, Value: value})
}

func (t *Tablet) Delete(ctx context.Context, key string) error {
	return t.execute(ctx, Command{ID: uuid.New(), Op: DeleteOp, Key: key})
}

// Get reads the local state. Only a leader with a majority lease answers.
func (t *Tablet) Get(key string) (string, bool, error) {
	r, err := t.replicatorOrErr()
	if err != nil {
		return "", false, err
	}
	if err := r.CheckIsActiveLeaderAndHasLease(); err != nil {
		return "", false, err
	}
	v, ok := t.data.Load(key)
	return v, ok, nil
}

// KV is one entry of a Scan result.
type KV struct {
	Key   string
	Value string
}

// Scan returns the entries whose key has the prefix in key order, up to
// limit (0 = all).
func (t *Tablet) Scan(prefix string, limit int) []KV {
	var out []KV
	t.data.Range(func(k, v string) bool {
		if !strings.HasPrefix(k, prefix) {
			return k < prefix
		}
		out = append(out, KV{Key: k, Value: v})
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (t *Tablet) Len() int {
	return t.data.Len()
}

// Applied returns the OpID of the last applied write.
func (t *Tablet) Applied() types.OpID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.applied
}

func (t *Tablet) execute(ctx context.Context, cmd Command) error {
	r, err := t.replicatorOrErr()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	done := make(chan error, 1)
	var round *consensus.ConsensusRound
	round = consensus.NewRound(&consensus.ReplicateMsg{
		OpType:  consensus.OpWrite,
		Payload: payload,
	}, func(err error, _ types.Term) {
		if err == nil {
			t.apply(round.OpID(), cmd)
		}
		done <- err
	})
	if err := r.ReplicateBatch([]*consensus.ConsensusRound{round}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The write may still commit later.
		return fmt.Errorf("%w: waiting for command %s: %v", rafterrors.ErrTimedOut, cmd.ID, ctx.Err())
	}
}

func (t *Tablet) apply(id types.OpID, cmd Command) {
	switch cmd.Op {
	case PutOp:
		t.data.Store(cmd.Key, cmd.Value)
	case DeleteOp:
		t.data.Delete(cmd.Key)
	}
	t.mu.Lock()
	t.applied.MakeAtLeast(id)
	t.mu.Unlock()
	t.log.Debug("applied command", "op_id", id, "op", cmd.Op, "key", cmd.Key, "command", cmd.ID)
}

// PrepareOperation installs the apply callback of a WRITE received as a follower.
func (t *Tablet) PrepareOperation(round *consensus.ConsensusRound) error {
	cmd, err := decodeCommand(round.Msg().Payload)
	if err != nil {
		return err
	}
	round.SetCallback(func(err error, _ types.Term) {
		if err != nil {
			if !errors.Is(err, rafterrors.ErrAborted) {
				t.log.Warn("replicated command failed", "op_id", round.OpID(), "error", err)
			}
			return
		}
		t.apply(round.OpID(), cmd)
	})
	return nil
}

func (t *Tablet) ShouldApplyWrite() bool {
	return true
}

func (t *Tablet) ChangeConfigReplicated(cfg consensus.RaftConfig) {
	t.mu.Lock()
	t.configs++
	t.mu.Unlock()
	t.log.Info("config change replicated", "config", cfg.String())
}

func (t *Tablet) MajorityReplicated() {}

// ConfigChanges counts config changes seen by the state machine.
func (t *Tablet) ConfigChanges() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.configs
}
