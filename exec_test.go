package johm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnethercutt/johm/johm_errors"
	"github.com/gnethercutt/johm/store"
)

func TestPlanFor(t *testing.T) {
	cases := []struct {
		name          string
		partitioned   bool
		untaggedEmpty bool
		taggedGroups  int
		want          planKind
	}{
		{"single node", false, false, 1, planPipelined},
		{"single node untagged", false, false, 0, planPipelined},
		{"partitioned tag pure", true, true, 1, planTransactional},
		{"partitioned untagged only", true, false, 0, planPipelined},
		{"partitioned mixed", true, false, 1, planMixed},
		{"partitioned two tags", true, true, 2, planMixed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, planFor(c.partitioned, c.untaggedEmpty, c.taggedGroups))
		})
	}
}

func TestMixedPlanRollsBackUntaggedOnTxFailure(t *testing.T) {
	e, m := newTestEngine(t, true)
	ctx := context.Background()
	boom := errors.New("shard down")
	m.FailHook = func(op, key string) error {
		if op == "EXEC" {
			return boom
		}
		return nil
	}

	err := e.Save(ctx, &testOrder{Region: "west", Status: "open", Total: 25})
	require.Error(t, err)
	assert.ErrorIs(t, err, johm_errors.ErrTransactionAborted)

	m.FailHook = nil
	// the untagged writes (enumeration set, body) were compensated;
	// only the consumed identity counter remains
	assert.Equal(t, []string{"testOrder:id"}, m.Keys())
}

func TestRollbackFailureIsSurfaced(t *testing.T) {
	e, m := newTestEngine(t, true)
	ctx := context.Background()
	m.FailHook = func(op, key string) error {
		if op == "EXEC" {
			return errors.New("shard down")
		}
		if op == "SREM" {
			return errors.New("still down")
		}
		return nil
	}

	err := e.Save(ctx, &testOrder{Region: "west", Status: "open", Total: 25})
	assert.ErrorIs(t, err, johm_errors.ErrRollbackFailure)
}

func TestTransactionalPlanAbortsClean(t *testing.T) {
	// a delta with only tagged keys runs as one transaction: a failure
	// leaves nothing applied and nothing to roll back
	e, m := newTestEngine(t, true)
	ctx := context.Background()

	d := newDelta()
	d.sadd("testOrder:{Region_west}:Status:open", "1")
	d.zadd("testOrder:{Region_west}:Total", store.ZMember{Member: "1", Score: 25})

	m.FailHook = func(op, key string) error {
		if op == "ZADD" {
			return errors.New("shard down")
		}
		return nil
	}
	err := e.run(ctx, "testOrder", d)
	assert.ErrorIs(t, err, johm_errors.ErrTransactionAborted)

	m.FailHook = nil
	assert.Empty(t, m.Keys())
}

func TestPipelinedFailureCompensates(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, &testPerson{Name: "Alice", Age: 30}))

	boom := errors.New("io timeout")
	m.FailHook = func(op, key string) error {
		if op == "HSET" {
			return boom
		}
		return nil
	}
	p := &testPerson{Name: "Bob", Age: 40}
	err := e.Save(ctx, p)
	require.ErrorIs(t, err, johm_errors.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "io timeout")

	m.FailHook = nil
	// Bob's index entries were compensated away
	ids, ferr := FindIDs[testPerson](ctx, e, By("Name", "Bob"))
	require.NoError(t, ferr)
	assert.Empty(t, ids)
	got, gerr := Get[testPerson](ctx, e, p.ID)
	require.NoError(t, gerr)
	assert.Nil(t, got)
}

func TestStoreFailuresCarryTaxonomyKind(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, &testPerson{Name: "Alice", Age: 30}))

	fail := func(badOp string) {
		m.FailHook = func(op, key string) error {
			if op == badOp {
				return errors.New("connection refused")
			}
			return nil
		}
	}

	fail("HSET")
	err := e.Save(ctx, &testPerson{Name: "Bob", Age: 40})
	assert.ErrorIs(t, err, johm_errors.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")

	fail("HGETALL")
	_, err = Get[testPerson](ctx, e, 1)
	assert.ErrorIs(t, err, johm_errors.ErrStoreUnavailable)

	fail("SMEMBERS")
	_, err = FindIDs[testPerson](ctx, e, By("Name", "Alice"))
	assert.ErrorIs(t, err, johm_errors.ErrStoreUnavailable)

	fail("INCR")
	err = e.Save(ctx, &testPerson{Name: "Carol", Age: 50})
	assert.ErrorIs(t, err, johm_errors.ErrStoreUnavailable)

	m.FailHook = nil
}

func TestRollbackRestoresPreviousBody(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	p := &testPerson{Name: "Alice", Age: 30}
	require.NoError(t, e.Save(ctx, p))

	boom := errors.New("io timeout")
	hsets := 0
	m.FailHook = func(op, key string) error {
		// fail only the forward body write, not the restoring one
		if op == "HSET" {
			hsets++
			if hsets == 1 {
				return boom
			}
		}
		return nil
	}
	p.Name = "Alicia"
	require.ErrorIs(t, e.Save(ctx, p), johm_errors.ErrStoreUnavailable)

	m.FailHook = nil
	got, err := Get[testPerson](ctx, e, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.Name, "overwritten body restored from snapshot")
	ids, err := FindIDs[testPerson](ctx, e, By("Name", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, ids, "removed index entries re-added")
}
