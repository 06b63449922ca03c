package johm

import (
	"context"
	"reflect"
	"sort"
	"strconv"

	"github.com/gnethercutt/johm/johm_errors"
	"github.com/gnethercutt/johm/keys"
	"github.com/gnethercutt/johm/schema"
	"github.com/gnethercutt/johm/store"
)

// delta is the complete set of store mutations one Save or Delete implies:
// index entries to drop (derived from the persisted record), index entries to
// add (derived from the in-memory record), and body hashes to delete or
// write. Removed sorted-set members keep their old score so a rollback can
// re-add them.
type delta struct {
	setAdd map[string][]string
	setRem map[string][]string
	zAdd   map[string][]store.ZMember
	zRem   map[string][]store.ZMember

	bodySet map[string]map[string]string
	bodyDel []string

	// prev snapshots hashes the delta deletes or overwrites, for rollback
	prev map[string]map[string]string
}

func newDelta() *delta {
	return &delta{
		setAdd:  map[string][]string{},
		setRem:  map[string][]string{},
		zAdd:    map[string][]store.ZMember{},
		zRem:    map[string][]store.ZMember{},
		bodySet: map[string]map[string]string{},
		prev:    map[string]map[string]string{},
	}
}

func (d *delta) sadd(key, member string) {
	d.setAdd[key] = append(d.setAdd[key], member)
}

func (d *delta) srem(key, member string) {
	d.setRem[key] = append(d.setRem[key], member)
}

func (d *delta) zadd(key string, m store.ZMember) {
	d.zAdd[key] = append(d.zAdd[key], m)
}

func (d *delta) zrem(key string, m store.ZMember) {
	d.zRem[key] = append(d.zRem[key], m)
}

func (d *delta) empty() bool {
	return len(d.setAdd) == 0 && len(d.setRem) == 0 &&
		len(d.zAdd) == 0 && len(d.zRem) == 0 &&
		len(d.bodySet) == 0 && len(d.bodyDel) == 0
}

// keys lists every key the delta touches, sorted for deterministic plans.
func (d *delta) keys() []string {
	seen := map[string]struct{}{}
	for k := range d.setAdd {
		seen[k] = struct{}{}
	}
	for k := range d.setRem {
		seen[k] = struct{}{}
	}
	for k := range d.zAdd {
		seen[k] = struct{}{}
	}
	for k := range d.zRem {
		seen[k] = struct{}{}
	}
	for k := range d.bodySet {
		seen[k] = struct{}{}
	}
	for _, k := range d.bodyDel {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// split partitions the delta by co-location tag: one sub-delta for untagged
// keys and one per tag. Snapshots follow their keys.
func (d *delta) split() (untagged *delta, tagged map[string]*delta) {
	untagged = newDelta()
	tagged = map[string]*delta{}
	pick := func(key string) *delta {
		tag := keys.ExtractTag(key)
		if tag == "" {
			return untagged
		}
		t, ok := tagged[tag]
		if !ok {
			t = newDelta()
			tagged[tag] = t
		}
		return t
	}
	for k, ms := range d.setAdd {
		pick(k).setAdd[k] = ms
	}
	for k, ms := range d.setRem {
		pick(k).setRem[k] = ms
	}
	for k, ms := range d.zAdd {
		pick(k).zAdd[k] = ms
	}
	for k, ms := range d.zRem {
		pick(k).zRem[k] = ms
	}
	for k, fs := range d.bodySet {
		pick(k).bodySet[k] = fs
	}
	for _, k := range d.bodyDel {
		t := pick(k)
		t.bodyDel = append(t.bodyDel, k)
	}
	for k, fs := range d.prev {
		pick(k).prev[k] = fs
	}
	return untagged, tagged
}

// queue pushes the delta onto a batch: removals first, then additions, then
// body deletes and writes. The body lands last so a torn pipelined batch
// never has a body without its index entries already queued ahead of it.
func (d *delta) queue(b store.Batcher) {
	for _, k := range d.keys() {
		for _, m := range d.setRem[k] {
			b.SRem(k, m)
		}
		for _, m := range d.zRem[k] {
			b.ZRem(k, m.Member)
		}
	}
	for _, k := range d.keys() {
		for _, m := range d.setAdd[k] {
			b.SAdd(k, m)
		}
		for _, m := range d.zAdd[k] {
			b.ZAdd(k, m)
		}
	}
	if len(d.bodyDel) > 0 {
		b.Del(d.bodyDel...)
	}
	for _, k := range d.keys() {
		if fs, ok := d.bodySet[k]; ok {
			b.HSet(k, fs)
		}
	}
}

// queueInverse pushes the compensating mutations: added entries are removed,
// removed entries are re-added with their old scores, deleted or overwritten
// hashes are restored from the snapshot. Safe to apply after a partial
// forward batch: the inverse of an op that never landed is a no-op.
func (d *delta) queueInverse(b store.Batcher) {
	for _, k := range d.keys() {
		for _, m := range d.setAdd[k] {
			b.SRem(k, m)
		}
		for _, m := range d.zAdd[k] {
			b.ZRem(k, m.Member)
		}
		for _, m := range d.setRem[k] {
			b.SAdd(k, m)
		}
		for _, m := range d.zRem[k] {
			b.ZAdd(k, m)
		}
	}
	restored := map[string]struct{}{}
	for _, k := range d.keys() {
		if _, ok := d.bodySet[k]; !ok {
			continue
		}
		if fs, ok := d.prev[k]; ok {
			b.Del(k)
			b.HSet(k, fs)
			restored[k] = struct{}{}
		} else {
			b.Del(k)
		}
	}
	for _, k := range d.bodyDel {
		if _, done := restored[k]; done {
			continue
		}
		if fs, ok := d.prev[k]; ok {
			b.HSet(k, fs)
		}
	}
}

// additions fills the delta with the index entries the in-memory record
// implies: the enumeration set, equality sets for indexed attributes, range
// sets for comparable ones, reference identity sets, and the referenced
// record's indexed attributes one level deep. Empty values are not indexed.
func additions(m *schema.Model, rv reflect.Value, tag, idStr string, d *delta) error {
	n := keys.NewNamer(m.Name)
	d.sadd(n.All(), idStr)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	for i := range m.Fields {
		f := &m.Fields[i]
		fv := rv.Field(f.Index)
		switch {
		case f.Is(schema.RoleReference):
			if fv.IsNil() {
				continue
			}
			refID := f.Ref.Identity(fv)
			if refID == 0 {
				return johm_errors.ErrMissingIdentity
			}
			if !f.Is(schema.RoleIndexed) {
				continue
			}
			refIDStr := strconv.FormatInt(refID, 10)
			d.sadd(n.Key(tag, f.Name, refIDStr), idStr)
			for j := range f.Ref.Fields {
				sub := &f.Ref.Fields[j]
				if !sub.Is(schema.RoleAttribute) || !sub.Is(schema.RoleIndexed) {
					continue
				}
				sv := fv.Elem().Field(sub.Index)
				if schema.IsEmpty(sv) {
					continue
				}
				d.sadd(n.Key(tag, f.Name, sub.Name, schema.ValueString(sv)), idStr)
			}
		case f.Is(schema.RoleAttribute) && f.Is(schema.RoleIndexed):
			if schema.IsEmpty(fv) {
				continue
			}
			d.sadd(n.Key(tag, f.Name, schema.ValueString(fv)), idStr)
			if f.Is(schema.RoleComparable) {
				score, err := schema.Score(fv)
				if err != nil {
					return err
				}
				d.zadd(n.Key(tag, f.Name), store.ZMember{Member: idStr, Score: score})
			}
		}
	}
	return nil
}

// cleanup fills the delta with the removals the persisted record implies.
// Everything derives from the stored body, including the old co-location
// tag, so index entries written under a since-changed tag value still come
// off. Referenced records are read back to drop their attribute entries.
func (e *Engine) cleanup(ctx context.Context, m *schema.Model, stored map[string]string, idStr string, d *delta) error {
	n := keys.NewNamer(m.Name)
	oldTag := ""
	if m.HashTag != nil {
		if v := stored[m.HashTag.Name]; v != "" {
			oldTag = keys.Tag(m.HashTag.Name, v)
		}
	}
	for i := range m.Fields {
		f := &m.Fields[i]
		val, ok := stored[f.BodyName()]
		if !ok || val == "" {
			continue
		}
		switch {
		case f.Is(schema.RoleReference):
			if !f.Is(schema.RoleIndexed) {
				continue
			}
			d.srem(n.Key(oldTag, f.Name, val), idStr)
			refID, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				continue
			}
			refBody, err := e.store.HGetAll(ctx, keys.NewNamer(f.Ref.Name).Body(refID))
			if err != nil {
				return storeErr(err)
			}
			for j := range f.Ref.Fields {
				sub := &f.Ref.Fields[j]
				if !sub.Is(schema.RoleAttribute) || !sub.Is(schema.RoleIndexed) {
					continue
				}
				sv := refBody[sub.BodyName()]
				if sv == "" {
					continue
				}
				d.srem(n.Key(oldTag, f.Name, sub.Name, sv), idStr)
			}
		case f.Is(schema.RoleAttribute) && f.Is(schema.RoleIndexed):
			d.srem(n.Key(oldTag, f.Name, val), idStr)
			if f.Is(schema.RoleComparable) {
				score, err := strconv.ParseFloat(val, 64)
				if err != nil {
					return johm_errors.ErrValueNotNumeric
				}
				d.zrem(n.Key(oldTag, f.Name), store.ZMember{Member: idStr, Score: score})
			}
		}
	}
	return nil
}

// renderBody flattens the record into its stored hash fields. Reference
// fields store the referenced identity, array and collection fields live
// outside the body.
func renderBody(m *schema.Model, rv reflect.Value, idStr string) map[string]string {
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	body := map[string]string{m.ID.Name: idStr}
	for i := range m.Fields {
		f := &m.Fields[i]
		if f.Is(schema.RoleArray) || f.Roles&(schema.RoleList|schema.RoleSet|schema.RoleSortedSet|schema.RoleMap) != 0 {
			continue
		}
		fv := rv.Field(f.Index)
		if f.Is(schema.RoleReference) {
			if fv.IsNil() {
				continue
			}
			body[f.BodyName()] = strconv.FormatInt(f.Ref.Identity(fv), 10)
			continue
		}
		if schema.IsEmpty(fv) {
			continue
		}
		body[f.BodyName()] = schema.ValueString(fv)
	}
	return body
}
