// Package arrays persists fixed-length array fields. An array is stored
// outside the record body, as its own hash keyed "Type:id:Field" mapping the
// element position to its rendered value. Empty slots are not stored.
package arrays

import (
	"context"
	"reflect"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gnethercutt/johm/johm_errors"
	"github.com/gnethercutt/johm/keys"
	"github.com/gnethercutt/johm/schema"
	"github.com/gnethercutt/johm/store"
)

// store failures carry their taxonomy kind; parse failures keep their own.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(johm_errors.ErrStoreUnavailable, err.Error())
}

// Key names the backing hash for one array field of one record.
func Key(namer keys.Namer, id int64, field string) string {
	return namer.Body(id) + ":" + field
}

// Write replaces the stored array with the elements of av. The previous
// content is deleted first so shrunken values leave no stale slots.
func Write(ctx context.Context, c store.Client, key string, av reflect.Value) error {
	if av.Kind() != reflect.Array {
		return johm_errors.ErrInvalidType
	}
	if err := Clear(ctx, c, key); err != nil {
		return err
	}
	fields := map[string]string{}
	for i := 0; i < av.Len(); i++ {
		ev := av.Index(i)
		if schema.IsEmpty(ev) {
			continue
		}
		fields[strconv.Itoa(i)] = schema.ValueString(ev)
	}
	if len(fields) == 0 {
		return nil
	}
	return storeErr(c.HSet(ctx, key, fields))
}

// Read fills av from the stored hash. Slots missing from the store keep the
// zero value.
func Read(ctx context.Context, c store.Client, key string, av reflect.Value) error {
	if av.Kind() != reflect.Array {
		return johm_errors.ErrInvalidType
	}
	stored, err := c.HGetAll(ctx, key)
	if err != nil {
		return storeErr(err)
	}
	for pos, val := range stored {
		i, err := strconv.Atoi(pos)
		if err != nil || i < 0 || i >= av.Len() {
			continue
		}
		if err := schema.Assign(av.Index(i), val); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops the backing hash.
func Clear(ctx context.Context, c store.Client, key string) error {
	return storeErr(c.Del(ctx, key))
}
