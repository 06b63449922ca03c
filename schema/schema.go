// Package schema classifies the fields of a record type into persistence
// roles and caches the result for the process lifetime. Roles come from the
// `ohm` struct tag:
//
//	type Person struct {
//		ID   int64  `ohm:"id"`
//		Name string `ohm:"attribute,indexed"`
//		Age  int64  `ohm:"attribute,indexed,comparable"`
//	}
//
// A field may carry several roles. Reference fields point at another
// registered record type and index by the referenced record's identity.
// Classification of a referenced type recurses exactly one level.
package schema

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/gnethercutt/johm/johm_errors"
	"github.com/gnethercutt/johm/keys"
)

type Role uint16

const (
	RoleID Role = 1 << iota
	RoleAttribute
	RoleReference
	RoleIndexed
	RoleComparable
	RoleHashTag
	RoleArray
	RoleList
	RoleSet
	RoleSortedSet
	RoleMap
)

const tagKey = "ohm"

var roleNames = map[string]Role{
	"id":         RoleID,
	"attribute":  RoleAttribute,
	"reference":  RoleReference,
	"indexed":    RoleIndexed,
	"comparable": RoleComparable,
	"hashtag":    RoleHashTag,
	"array":      RoleArray,
	"list":       RoleList,
	"set":        RoleSet,
	"sortedset":  RoleSortedSet,
	"map":        RoleMap,
}

const collectionRoles = RoleList | RoleSet | RoleSortedSet | RoleMap

type Field struct {
	Name     string
	Index    int // struct field index
	Roles    Role
	ArrayLen int    // for array fields
	Ref      *Model // for reference fields, classified one level deep
}

func (f *Field) Is(r Role) bool {
	return f.Roles&r != 0
}

// BodyName is the hash field the value is persisted under. Reference fields
// store the referenced identity under "<Name>_id".
func (f *Field) BodyName() string {
	if f.Is(RoleReference) {
		return f.Name + "_id"
	}
	return f.Name
}

type Model struct {
	Type    reflect.Type // the struct type, not the pointer
	Name    string
	ID      Field
	Fields  []Field
	HashTag *Field // nil when the type has no co-location tag field

	byName map[string]*Field
}

func (m *Model) Field(name string) *Field {
	return m.byName[name]
}

var registry = xsync.NewMapOf[reflect.Type, *Model]()

// Of classifies the type of v (a struct or pointer to struct) and caches the
// result. Subsequent calls for the same type are lock-free reads.
func Of(v any) (*Model, error) {
	if v == nil {
		return nil, johm_errors.ErrInvalidType
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return TypeOf(t)
}

func TypeOf(t reflect.Type) (*Model, error) {
	if m, ok := registry.Load(t); ok {
		return m, nil
	}
	m, err := build(t, map[reflect.Type]*Model{})
	if err != nil {
		return nil, err
	}
	actual, _ := registry.LoadOrStore(t, m)
	return actual, nil
}

func build(t reflect.Type, seen map[reflect.Type]*Model) (*Model, error) {
	if t.Kind() != reflect.Struct {
		return nil, johm_errors.ErrInvalidType
	}
	m := &Model{
		Type:   t,
		Name:   t.Name(),
		byName: map[string]*Field{},
	}
	seen[t] = m

	hasID := false
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup(tagKey)
		if !ok || tag == "" || tag == "-" {
			continue
		}
		roles, err := parseRoles(tag)
		if err != nil {
			return nil, err
		}
		f := Field{Name: sf.Name, Index: i, Roles: roles}
		if err := checkRoles(sf, &f, m); err != nil {
			return nil, err
		}
		if f.Is(RoleID) {
			hasID = true
			m.ID = f
			continue
		}
		if f.Is(RoleReference) {
			rt := sf.Type
			if rt.Kind() != reflect.Pointer || rt.Elem().Kind() != reflect.Struct {
				return nil, johm_errors.ErrInvalidType
			}
			if ref, ok := seen[rt.Elem()]; ok {
				f.Ref = ref
			} else if ref, ok := registry.Load(rt.Elem()); ok {
				f.Ref = ref
			} else {
				ref, err := build(rt.Elem(), seen)
				if err != nil {
					return nil, err
				}
				f.Ref = ref
			}
		}
		if f.Is(RoleArray) {
			if sf.Type.Kind() != reflect.Array {
				return nil, johm_errors.ErrRoleCombination
			}
			f.ArrayLen = sf.Type.Len()
		}
		m.Fields = append(m.Fields, f)
	}
	if !hasID {
		return nil, johm_errors.ErrInvalidType
	}
	for i := range m.Fields {
		f := &m.Fields[i]
		m.byName[f.Name] = f
		if f.Is(RoleHashTag) {
			m.HashTag = f
		}
	}
	return m, nil
}

func parseRoles(tag string) (Role, error) {
	var roles Role
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, ok := roleNames[part]
		if !ok {
			return 0, johm_errors.ErrRoleCombination
		}
		roles |= r
	}
	return roles, nil
}

func checkRoles(sf reflect.StructField, f *Field, m *Model) error {
	r := f.Roles
	if r&RoleID != 0 {
		if r != RoleID {
			return johm_errors.ErrRoleCombination
		}
		if sf.Type.Kind() != reflect.Int64 {
			return johm_errors.ErrInvalidIdentity
		}
		return nil
	}
	if r&RoleAttribute != 0 && r&RoleReference != 0 {
		return johm_errors.ErrRoleCombination
	}
	if r&collectionRoles != 0 && r&(RoleAttribute|RoleReference|RoleArray) != 0 {
		return johm_errors.ErrRoleCombination
	}
	// a comparable field must be indexed and numeric
	if r&RoleComparable != 0 {
		if r&RoleIndexed == 0 {
			return johm_errors.ErrNotIndexed
		}
		if !isNumericKind(sf.Type.Kind()) {
			return johm_errors.ErrValueNotNumeric
		}
	}
	if r&RoleHashTag != 0 {
		if r&RoleAttribute == 0 {
			return johm_errors.ErrRoleCombination
		}
		if m.HashTag != nil {
			return johm_errors.ErrDuplicateHashTag
		}
	}
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Identity reads the identity field of a record value (struct or pointer).
func (m *Model) Identity(rv reflect.Value) int64 {
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	return rv.Field(m.ID.Index).Int()
}

func (m *Model) SetIdentity(rv reflect.Value, id int64) {
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	rv.Field(m.ID.Index).SetInt(id)
}

// Tag derives the co-location tag of a record value, or "" when the type has
// no hashtag field. A present but empty hashtag value is an error at save
// time.
func (m *Model) Tag(rv reflect.Value) (string, error) {
	if m.HashTag == nil {
		return "", nil
	}
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	fv := rv.Field(m.HashTag.Index)
	if IsEmpty(fv) {
		return "", johm_errors.ErrEmptyTagValue
	}
	return keys.Tag(m.HashTag.Name, ValueString(fv)), nil
}

// IsEmpty mirrors the null-or-empty rule: nil pointers and empty strings are
// empty, numeric zero is a value.
func IsEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.String:
		return v.String() == ""
	}
	return false
}

// ValueString renders a field value the way it is stored.
func ValueString(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'f', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case reflect.Pointer:
		if v.IsNil() {
			return ""
		}
		return ValueString(v.Elem())
	}
	return v.String()
}

// Score converts a comparable field value to its sorted-set score.
func Score(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return 0, johm_errors.ErrValueNotNumeric
		}
		return f, nil
	}
	return 0, johm_errors.ErrValueNotNumeric
}

// Assign parses a stored string back into the field value.
func Assign(fv reflect.Value, s string) error {
	switch fv.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return johm_errors.ErrInvalidValue
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return johm_errors.ErrInvalidValue
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return johm_errors.ErrInvalidValue
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return johm_errors.ErrInvalidValue
		}
		fv.SetFloat(f)
	case reflect.String:
		fv.SetString(s)
	default:
		return johm_errors.ErrInvalidValue
	}
	return nil
}
