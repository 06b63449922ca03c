package johm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gnethercutt/johm/johm_errors"
)

type planKind string

const (
	planPipelined     planKind = "pipelined"
	planTransactional planKind = "transactional"
	planMixed         planKind = "mixed"
)

// planFor picks the execution strategy for one delta. On a single-node store
// everything goes through one pipeline. On a partitioned store a delta whose
// keys all share one co-location tag fits a single transaction; anything
// else (untagged keys, or a tag change spanning two tags) runs mixed:
// per-tag transactions plus a tracked pipeline for the rest.
func planFor(partitioned bool, untaggedEmpty bool, taggedGroups int) planKind {
	if !partitioned {
		return planPipelined
	}
	if untaggedEmpty && taggedGroups == 1 {
		return planTransactional
	}
	if taggedGroups == 0 {
		return planPipelined
	}
	return planMixed
}

// storeErr marks a failed store round trip with its taxonomy kind, keeping
// the low-level cause in the message, the same way transaction aborts carry
// ErrTransactionAborted.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(johm_errors.ErrStoreUnavailable, err.Error())
}

// run applies a delta under the plan its keys allow. Pipelined and mixed
// plans roll back on failure; a failed transaction left nothing to undo and
// surfaces as ErrTransactionAborted.
func (e *Engine) run(ctx context.Context, typeName string, d *delta) error {
	if d.empty() {
		return nil
	}
	untagged, tagged := d.split()
	plan := planFor(e.store.Partitioned(), untagged.empty(), len(tagged))
	PlanCount.WithLabelValues(typeName, string(plan)).Inc()
	e.log.DebugCtx(ctx, "apply", "type", typeName, "plan", string(plan), "keys", len(d.keys()))

	switch plan {
	case planPipelined:
		b := e.store.Pipeline()
		d.queue(b)
		if err := b.Exec(ctx); err != nil {
			return e.rollback(ctx, typeName, storeErr(err), d)
		}
		return nil

	case planTransactional:
		for tag, td := range tagged {
			tx := e.store.Tx(tag)
			td.queue(tx)
			if err := tx.Exec(ctx); err != nil {
				return errors.Wrap(johm_errors.ErrTransactionAborted, err.Error())
			}
		}
		return nil

	default: // planMixed
		var applied []*delta
		if !untagged.empty() {
			b := e.store.Pipeline()
			untagged.queue(b)
			if err := b.Exec(ctx); err != nil {
				return e.rollback(ctx, typeName, storeErr(err), untagged)
			}
			applied = append(applied, untagged)
		}
		for tag, td := range tagged {
			tx := e.store.Tx(tag)
			td.queue(tx)
			if err := tx.Exec(ctx); err != nil {
				err = errors.Wrap(johm_errors.ErrTransactionAborted, err.Error())
				return e.rollback(ctx, typeName, err, applied...)
			}
			applied = append(applied, td)
		}
		return nil
	}
}

// rollback applies the compensating mutations for every delta that may have
// landed, then returns the original cause. Compensation is best-effort: when
// it fails too, the caller gets ErrRollbackFailure and the store may hold
// stale index entries until the next save of the same record.
func (e *Engine) rollback(ctx context.Context, typeName string, cause error, applied ...*delta) error {
	if len(applied) == 0 {
		return cause
	}
	b := e.store.Pipeline()
	for _, d := range applied {
		d.queueInverse(b)
	}
	if rerr := b.Exec(ctx); rerr != nil {
		RollbackCount.WithLabelValues(typeName, "fail").Inc()
		e.log.ErrorCtx(ctx, "rollback failed", "type", typeName, "cause", cause, "error", rerr)
		return errors.Wrapf(johm_errors.ErrRollbackFailure, "cause: %v, rollback: %v", cause, rerr)
	}
	RollbackCount.WithLabelValues(typeName, "ok").Inc()
	e.log.WarnCtx(ctx, "rolled back", "type", typeName, "cause", cause)
	return cause
}
