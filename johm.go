// Package johm maps annotated structs onto a remote key-value store. A
// record persists as a hash; indexed fields additionally maintain equality
// sets and range sorted sets so finds resolve through set algebra instead of
// scans. On a partitioned store a hashtag field co-locates a record's keys
// on one shard, which lets the engine apply index maintenance
// transactionally; everywhere else it pipelines and compensates on failure.
package johm

import (
	"context"
	"reflect"
	"sort"
	"strconv"

	"github.com/gnethercutt/johm/arrays"
	"github.com/gnethercutt/johm/johm_errors"
	"github.com/gnethercutt/johm/keys"
	"github.com/gnethercutt/johm/schema"
	"github.com/gnethercutt/johm/store"
	"github.com/gnethercutt/johm/utils"
)

type Engine struct {
	store store.Client
	log   utils.Logger
	opts  Options
}

func New(c store.Client, opts Options) *Engine {
	opts.SetDefaults()
	return &Engine{store: c, log: opts.Logger, opts: opts}
}

func (e *Engine) Close() error {
	return e.store.Close()
}

// IsNew reports whether the record has been assigned an identity yet.
func (e *Engine) IsNew(record any) bool {
	m, err := schema.Of(record)
	if err != nil {
		return false
	}
	return m.Identity(reflect.ValueOf(record)) == 0
}

// Identity returns the record's identity, 0 when unsaved.
func (e *Engine) Identity(record any) int64 {
	m, err := schema.Of(record)
	if err != nil {
		return 0
	}
	return m.Identity(reflect.ValueOf(record))
}

// Save persists the record and brings every secondary index in line with it.
// A new record draws its identity from the per-type counter first. The
// record must be a pointer so the identity can be written back.
func (e *Engine) Save(ctx context.Context, record any) error {
	return e.SaveOpts(ctx, record, SaveOptions{})
}

func (e *Engine) SaveOpts(ctx context.Context, record any, o SaveOptions) error {
	err := e.save(ctx, record, o, map[uintptr]struct{}{})
	m, merr := schema.Of(record)
	name := "?"
	if merr == nil {
		name = m.Name
	}
	SaveCount.WithLabelValues(name, result(err)).Inc()
	return err
}

func (e *Engine) save(ctx context.Context, record any, o SaveOptions, saving map[uintptr]struct{}) error {
	m, err := schema.Of(record)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(record)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return johm_errors.ErrInvalidType
	}
	if _, busy := saving[rv.Pointer()]; busy {
		return nil
	}
	saving[rv.Pointer()] = struct{}{}

	if o.Cascade {
		for i := range m.Fields {
			f := &m.Fields[i]
			if !f.Is(schema.RoleReference) {
				continue
			}
			fv := rv.Elem().Field(f.Index)
			if fv.IsNil() {
				continue
			}
			if err := e.save(ctx, fv.Interface(), o, saving); err != nil {
				return err
			}
		}
	}

	tag, err := m.Tag(rv)
	if err != nil {
		return err
	}
	n := keys.NewNamer(m.Name)
	id := m.Identity(rv)
	if id == 0 {
		id, err = e.store.Incr(ctx, n.Counter())
		if err != nil {
			return storeErr(err)
		}
		m.SetIdentity(rv, id)
	}
	idStr := strconv.FormatInt(id, 10)
	bodyKey := n.Body(id)

	stored, err := e.store.HGetAll(ctx, bodyKey)
	if err != nil {
		return storeErr(err)
	}

	d := newDelta()
	if len(stored) > 0 {
		if err := e.cleanup(ctx, m, stored, idStr, d); err != nil {
			return err
		}
		d.bodyDel = append(d.bodyDel, bodyKey)
		d.prev[bodyKey] = stored
	}
	if err := additions(m, rv, tag, idStr, d); err != nil {
		return err
	}
	d.bodySet[bodyKey] = renderBody(m, rv, idStr)

	if err := e.run(ctx, m.Name, d); err != nil {
		return err
	}

	for i := range m.Fields {
		f := &m.Fields[i]
		if !f.Is(schema.RoleArray) {
			continue
		}
		key := arrays.Key(n, id, f.Name)
		if err := arrays.Write(ctx, e.store, key, rv.Elem().Field(f.Index)); err != nil {
			return err
		}
	}
	e.log.DebugCtx(ctx, "saved", "type", m.Name, "id", id)
	return nil
}

// Get loads one record by identity, or nil when no such record exists.
func Get[T any](ctx context.Context, e *Engine, id int64) (*T, error) {
	var probe T
	m, err := schema.Of(probe)
	if err != nil {
		return nil, err
	}
	ptr := new(T)
	rv := reflect.ValueOf(ptr)
	visited := map[string]reflect.Value{keys.NewNamer(m.Name).Body(id): rv}
	found, err := e.load(ctx, m, id, rv, visited)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return ptr, nil
}

// GetAll loads every live record of the type, ordered by identity.
func GetAll[T any](ctx context.Context, e *Engine) ([]*T, error) {
	var probe T
	m, err := schema.Of(probe)
	if err != nil {
		return nil, err
	}
	members, err := e.store.SMembers(ctx, keys.NewNamer(m.Name).All())
	if err != nil {
		return nil, storeErr(err)
	}
	return loadAll[T](ctx, e, m, parseIDs(members))
}

// FindIDs resolves the predicates to matching identities without hydrating
// the records.
func FindIDs[T any](ctx context.Context, e *Engine, preds ...Predicate) ([]int64, error) {
	var probe T
	m, err := schema.Of(probe)
	if err != nil {
		return nil, err
	}
	q, err := compile(m, preds)
	if err != nil {
		FindCount.WithLabelValues(m.Name, "invalid").Inc()
		return nil, err
	}
	ids, err := e.findIDs(ctx, q)
	FindCount.WithLabelValues(m.Name, result(err)).Inc()
	return ids, err
}

// Find resolves the predicates and loads the matching records, ordered by
// identity. Records whose index entries outlived their body are skipped.
func Find[T any](ctx context.Context, e *Engine, preds ...Predicate) ([]*T, error) {
	var probe T
	m, err := schema.Of(probe)
	if err != nil {
		return nil, err
	}
	ids, err := FindIDs[T](ctx, e, preds...)
	if err != nil {
		return nil, err
	}
	return loadAll[T](ctx, e, m, ids)
}

// FindBy is the single-predicate convenience: every record whose field
// equals the value.
func FindBy[T any](ctx context.Context, e *Engine, field string, value any) ([]*T, error) {
	return Find[T](ctx, e, By(field, value))
}

// Delete removes the record body and all of its index entries. Deleting an
// absent identity is a no-op.
func Delete[T any](ctx context.Context, e *Engine, id int64) error {
	return DeleteOpts[T](ctx, e, id, DeleteOptions{})
}

func DeleteOpts[T any](ctx context.Context, e *Engine, id int64, o DeleteOptions) error {
	var probe T
	m, err := schema.Of(probe)
	if err != nil {
		return err
	}
	err = e.deleteRecord(ctx, m, id, o)
	DeleteCount.WithLabelValues(m.Name, result(err)).Inc()
	return err
}

func (e *Engine) deleteRecord(ctx context.Context, m *schema.Model, id int64, o DeleteOptions) error {
	n := keys.NewNamer(m.Name)
	bodyKey := n.Body(id)
	stored, err := e.store.HGetAll(ctx, bodyKey)
	if err != nil {
		return storeErr(err)
	}
	if len(stored) == 0 {
		return nil
	}
	idStr := strconv.FormatInt(id, 10)

	d := newDelta()
	if !o.KeepIndexes {
		if err := e.cleanup(ctx, m, stored, idStr, d); err != nil {
			return err
		}
		// the enumeration set is an index too: KeepIndexes leaves it alone
		d.srem(n.All(), idStr)
	}
	d.bodyDel = append(d.bodyDel, bodyKey)
	d.prev[bodyKey] = stored
	for i := range m.Fields {
		f := &m.Fields[i]
		if !f.Is(schema.RoleArray) {
			continue
		}
		key := arrays.Key(n, id, f.Name)
		snap, err := e.store.HGetAll(ctx, key)
		if err != nil {
			return storeErr(err)
		}
		d.bodyDel = append(d.bodyDel, key)
		if len(snap) > 0 {
			d.prev[key] = snap
		}
	}
	if err := e.run(ctx, m.Name, d); err != nil {
		return err
	}
	e.log.DebugCtx(ctx, "deleted", "type", m.Name, "id", id)

	if o.Cascade {
		for i := range m.Fields {
			f := &m.Fields[i]
			if !f.Is(schema.RoleReference) {
				continue
			}
			val := stored[f.BodyName()]
			if val == "" {
				continue
			}
			refID, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				continue
			}
			if err := e.deleteRecord(ctx, f.Ref, refID, o); err != nil {
				return err
			}
		}
	}
	return nil
}

// load hydrates one record from its body hash. References load recursively;
// the visited map breaks cycles by reusing the pointer already being filled.
func (e *Engine) load(ctx context.Context, m *schema.Model, id int64, ptr reflect.Value, visited map[string]reflect.Value) (bool, error) {
	n := keys.NewNamer(m.Name)
	stored, err := e.store.HGetAll(ctx, n.Body(id))
	if err != nil {
		return false, storeErr(err)
	}
	if len(stored) == 0 {
		return false, nil
	}
	rv := ptr.Elem()
	m.SetIdentity(rv, id)
	for i := range m.Fields {
		f := &m.Fields[i]
		fv := rv.Field(f.Index)
		switch {
		case f.Is(schema.RoleArray):
			if err := arrays.Read(ctx, e.store, arrays.Key(n, id, f.Name), fv); err != nil {
				return false, err
			}
		case f.Is(schema.RoleReference):
			val := stored[f.BodyName()]
			if val == "" {
				continue
			}
			refID, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return false, johm_errors.ErrInvalidValue
			}
			refKey := keys.NewNamer(f.Ref.Name).Body(refID)
			if cached, ok := visited[refKey]; ok {
				fv.Set(cached)
				continue
			}
			refPtr := reflect.New(f.Ref.Type)
			visited[refKey] = refPtr
			found, err := e.load(ctx, f.Ref, refID, refPtr, visited)
			if err != nil {
				return false, err
			}
			if found {
				fv.Set(refPtr)
			} else {
				delete(visited, refKey)
			}
		case f.Is(schema.RoleAttribute):
			val, ok := stored[f.BodyName()]
			if !ok {
				continue
			}
			if err := schema.Assign(fv, val); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func loadAll[T any](ctx context.Context, e *Engine, m *schema.Model, ids []int64) ([]*T, error) {
	out := make([]*T, 0, len(ids))
	n := keys.NewNamer(m.Name)
	for _, id := range ids {
		ptr := new(T)
		rv := reflect.ValueOf(ptr)
		visited := map[string]reflect.Value{n.Body(id): rv}
		found, err := e.load(ctx, m, id, rv, visited)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, ptr)
		}
	}
	return out, nil
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func valueString(v any) string {
	if v == nil {
		return ""
	}
	return schema.ValueString(reflect.ValueOf(v))
}

func scoreOf(v any) (float64, error) {
	return schema.Score(reflect.ValueOf(v))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
