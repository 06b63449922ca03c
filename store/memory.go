package store

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Memory is an in-process Client used by the tests. It honors the same
// batch semantics as the server: a Pipeline applies queued ops in order and
// stops at the first failure (partial application), a Tx applies
// all-or-nothing. FailHook injects failures per (op, key).
type Memory struct {
	mu          sync.Mutex
	strings     map[string]string
	hashes      map[string]map[string]string
	sets        map[string]map[string]struct{}
	zsets       map[string]map[string]float64
	partitioned bool

	// FailHook, when set, is consulted before every operation with the
	// operation name ("SADD", "EXEC", ...) and the key. A non-nil return
	// fails the operation.
	FailHook func(op, key string) error
}

var _ Client = (*Memory)(nil)

func NewMemory(partitioned bool) *Memory {
	return &Memory{
		strings: map[string]string{},
		hashes:  map[string]map[string]string{},
		sets:    map[string]map[string]struct{}{},
		zsets:   map[string]map[string]float64{},

		partitioned: partitioned,
	}
}

func (m *Memory) fail(op, key string) error {
	if m.FailHook == nil {
		return nil
	}
	return m.FailHook(op, key)
}

// Keys lists every live key, for temp-key leak checks.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.strings {
		out = append(out, k)
	}
	for k := range m.hashes {
		out = append(out, k)
	}
	for k := range m.sets {
		out = append(out, k)
	}
	for k := range m.zsets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.fail("EXISTS", key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	_, ok := m.zsets[key]
	return ok, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.fail("HGETALL", key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := m.fail("HSET", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hset(key, fields)
	return nil
}

func (m *Memory) hset(key string, fields map[string]string) {
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := m.fail("DEL", key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.del(key)
	}
	return nil
}

func (m *Memory) del(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := m.fail("INCR", key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.strings[key], 10, 64)
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.fail("SADD", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		m.sadd(key, mem)
	}
	return nil
}

func (m *Memory) sadd(key, member string) {
	s, ok := m.sets[key]
	if !ok {
		s = map[string]struct{}{}
		m.sets[key] = s
	}
	s[member] = struct{}{}
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	if err := m.fail("SREM", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		m.srem(key, mem)
	}
	return nil
}

func (m *Memory) srem(key, member string) {
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.fail("SMEMBERS", key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) SInterStore(ctx context.Context, dst string, srcs ...string) error {
	if err := m.fail("SINTERSTORE", dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(srcs) == 0 {
		m.del(dst)
		return nil
	}
	inter := map[string]struct{}{}
	for mem := range m.sets[srcs[0]] {
		inter[mem] = struct{}{}
	}
	for _, src := range srcs[1:] {
		for mem := range inter {
			if _, ok := m.sets[src][mem]; !ok {
				delete(inter, mem)
			}
		}
	}
	m.del(dst)
	if len(inter) > 0 {
		m.sets[dst] = inter
	}
	return nil
}

func (m *Memory) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	if err := m.fail("ZADD", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		m.zadd(key, mem)
	}
	return nil
}

func (m *Memory) zadd(key string, mem ZMember) {
	z, ok := m.zsets[key]
	if !ok {
		z = map[string]float64{}
		m.zsets[key] = z
	}
	z[mem.Member] = mem.Score
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) error {
	if err := m.fail("ZREM", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		m.zrem(key, mem)
	}
	return nil
}

func (m *Memory) zrem(key, member string) {
	if z, ok := m.zsets[key]; ok {
		delete(z, member)
		if len(z) == 0 {
			delete(m.zsets, key)
		}
	}
}

func (m *Memory) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	if err := m.fail("ZRANGEBYSCORE", key); err != nil {
		return nil, err
	}
	lo, loExcl, err := parseBound(min, math.Inf(-1))
	if err != nil {
		return nil, err
	}
	hi, hiExcl, err := parseBound(max, math.Inf(1))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	var matched []entry
	for mem, score := range m.zsets[key] {
		if score < lo || (loExcl && score == lo) {
			continue
		}
		if score > hi || (hiExcl && score == hi) {
			continue
		}
		matched = append(matched, entry{mem, score})
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score < matched[j].score
		}
		return matched[i].member < matched[j].member
	})
	out := make([]string, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.member)
	}
	return out, nil
}

func parseBound(s string, def float64) (float64, bool, error) {
	switch s {
	case "", "-inf":
		if s == "" {
			return def, false, nil
		}
		return math.Inf(-1), false, nil
	case "+inf", "inf":
		return math.Inf(1), false, nil
	}
	excl := false
	if strings.HasPrefix(s, "(") {
		excl = true
		s = s[1:]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "bad score bound")
	}
	return f, excl, nil
}

// ZInterStoreWeights mirrors ZINTERSTORE ... WEIGHTS with SUM aggregation.
func (m *Memory) ZInterStoreWeights(ctx context.Context, dst string, srcs []string, weights []float64) error {
	if err := m.fail("ZINTERSTORE", dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(srcs) == 0 {
		m.del(dst)
		return nil
	}
	scores := func(key string) (map[string]float64, bool) {
		if z, ok := m.zsets[key]; ok {
			return z, true
		}
		if s, ok := m.sets[key]; ok {
			// plain sets participate with score 1, as on the server
			z := map[string]float64{}
			for mem := range s {
				z[mem] = 1
			}
			return z, true
		}
		return nil, false
	}
	weight := func(i int) float64 {
		if i < len(weights) {
			return weights[i]
		}
		return 1
	}
	first, ok := scores(srcs[0])
	if !ok {
		m.del(dst)
		return nil
	}
	inter := map[string]float64{}
	for mem, score := range first {
		inter[mem] = score * weight(0)
	}
	for i, src := range srcs[1:] {
		z, ok := scores(src)
		if !ok {
			m.del(dst)
			return nil
		}
		for mem, acc := range inter {
			score, ok := z[mem]
			if !ok {
				delete(inter, mem)
				continue
			}
			inter[mem] = acc + score*weight(i+1)
		}
	}
	m.del(dst)
	if len(inter) > 0 {
		m.zsets[dst] = inter
	}
	return nil
}

func (m *Memory) Partitioned() bool {
	return m.partitioned
}

func (m *Memory) Close() error {
	return nil
}

type memOp struct {
	op     string
	key    string
	member string
	score  float64
	fields map[string]string
	keys   []string
}

type memBatch struct {
	m      *Memory
	atomic bool
	ops    []memOp
}

func (m *Memory) Pipeline() Batcher {
	return &memBatch{m: m}
}

func (m *Memory) Tx(tag string) Batcher {
	return &memBatch{m: m, atomic: true}
}

func (b *memBatch) SAdd(key, member string) {
	b.ops = append(b.ops, memOp{op: "SADD", key: key, member: member})
}

func (b *memBatch) SRem(key, member string) {
	b.ops = append(b.ops, memOp{op: "SREM", key: key, member: member})
}

func (b *memBatch) ZAdd(key string, m ZMember) {
	b.ops = append(b.ops, memOp{op: "ZADD", key: key, member: m.Member, score: m.Score})
}

func (b *memBatch) ZRem(key, member string) {
	b.ops = append(b.ops, memOp{op: "ZREM", key: key, member: member})
}

func (b *memBatch) HSet(key string, fields map[string]string) {
	b.ops = append(b.ops, memOp{op: "HSET", key: key, fields: fields})
}

func (b *memBatch) Del(keys ...string) {
	b.ops = append(b.ops, memOp{op: "DEL", keys: keys})
}

func (b *memBatch) Exec(ctx context.Context) error {
	if b.atomic {
		// all-or-nothing: probe every op before touching state
		for _, op := range b.ops {
			if err := b.m.fail(op.op, op.key); err != nil {
				return err
			}
		}
		if err := b.m.fail("EXEC", ""); err != nil {
			return err
		}
		b.m.mu.Lock()
		defer b.m.mu.Unlock()
		for _, op := range b.ops {
			b.apply(op)
		}
		return nil
	}
	// pipelined: in order, stop at the first failure
	for _, op := range b.ops {
		if err := b.m.fail(op.op, op.key); err != nil {
			return err
		}
		b.m.mu.Lock()
		b.apply(op)
		b.m.mu.Unlock()
	}
	return nil
}

func (b *memBatch) apply(op memOp) {
	switch op.op {
	case "SADD":
		b.m.sadd(op.key, op.member)
	case "SREM":
		b.m.srem(op.key, op.member)
	case "ZADD":
		b.m.zadd(op.key, ZMember{Member: op.member, Score: op.score})
	case "ZREM":
		b.m.zrem(op.key, op.member)
	case "HSET":
		b.m.hset(op.key, op.fields)
	case "DEL":
		for _, k := range op.keys {
			b.m.del(k)
		}
	}
}
