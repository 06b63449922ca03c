package johm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnethercutt/johm/store"
)

type testPerson struct {
	ID   int64  `ohm:"id"`
	Name string `ohm:"attribute,indexed"`
	Age  int64  `ohm:"attribute,indexed,comparable"`
	Bio  string `ohm:"attribute"`
}

type testOrder struct {
	ID     int64       `ohm:"id"`
	Region string      `ohm:"attribute,indexed,hashtag"`
	Status string      `ohm:"attribute,indexed"`
	Total  float64     `ohm:"attribute,indexed,comparable"`
	Buyer  *testPerson `ohm:"reference,indexed"`
	Codes  [3]string   `ohm:"array"`
}

func newTestEngine(t *testing.T, partitioned bool) (*Engine, *store.Memory) {
	t.Helper()
	m := store.NewMemory(partitioned)
	return New(m, Options{}), m
}

func TestSaveAssignsIdentity(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()

	alice := &testPerson{Name: "Alice", Age: 30}
	require.True(t, e.IsNew(alice))
	require.NoError(t, e.Save(ctx, alice))
	assert.Equal(t, int64(1), alice.ID)
	assert.False(t, e.IsNew(alice))

	bob := &testPerson{Name: "Bob", Age: 40}
	require.NoError(t, e.Save(ctx, bob))
	assert.Equal(t, int64(2), bob.ID)
}

func TestGetRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()

	alice := &testPerson{Name: "Alice", Age: 30, Bio: "likes graphs"}
	require.NoError(t, e.Save(ctx, alice))

	got, err := Get[testPerson](ctx, e, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *alice, *got)

	missing, err := Get[testPerson](ctx, e, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetAll(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, &testPerson{Name: "Alice", Age: 30}))
	require.NoError(t, e.Save(ctx, &testPerson{Name: "Bob", Age: 40}))

	all, err := GetAll[testPerson](ctx, e)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alice", all[0].Name)
	assert.Equal(t, "Bob", all[1].Name)
}

func TestFindConditions(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()
	alice := &testPerson{Name: "Alice", Age: 30}
	bob := &testPerson{Name: "Bob", Age: 40}
	require.NoError(t, e.Save(ctx, alice))
	require.NoError(t, e.Save(ctx, bob))

	got, err := Find[testPerson](ctx, e, By("Name", "Alice"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got[0].Name)

	ids, err := FindIDs[testPerson](ctx, e, Where("Age", GreaterThanOrEqual, 30))
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID, bob.ID}, ids)

	ids, err = FindIDs[testPerson](ctx, e, Where("Age", GreaterThan, 30))
	require.NoError(t, err)
	assert.Equal(t, []int64{bob.ID}, ids)

	ids, err = FindIDs[testPerson](ctx, e, Where("Age", LessThan, 40))
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, ids)

	// exclusion-only queries walk the enumeration set
	ids, err = FindIDs[testPerson](ctx, e, Where("Name", NotEquals, "Alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{bob.ID}, ids)

	ids, err = FindIDs[testPerson](ctx, e, By("Name", "Alice"), Where("Age", GreaterThanOrEqual, 35))
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err = FindBy[testPerson](ctx, e, "Age", 40)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Bob", got[0].Name)
}

func TestResaveMovesIndexEntries(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	p := &testPerson{Name: "Alice", Age: 30}
	require.NoError(t, e.Save(ctx, p))

	p.Name = "Alicia"
	p.Age = 31
	require.NoError(t, e.Save(ctx, p))

	ids, err := FindIDs[testPerson](ctx, e, By("Name", "Alice"))
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = FindIDs[testPerson](ctx, e, By("Name", "Alicia"))
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, ids)

	ids, err = FindIDs[testPerson](ctx, e, Where("Age", GreaterThanOrEqual, 31))
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, ids)

	for _, k := range m.Keys() {
		assert.NotContains(t, k, ":Name:Alice", "stale equality entry for %q", k)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	p := &testPerson{Name: "Alice", Age: 30}
	require.NoError(t, e.Save(ctx, p))

	require.NoError(t, Delete[testPerson](ctx, e, p.ID))

	got, err := Get[testPerson](ctx, e, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	ids, err := FindIDs[testPerson](ctx, e, By("Name", "Alice"))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// only the identity counter survives
	assert.Equal(t, []string{"testPerson:id"}, m.Keys())

	// deleting again is a no-op
	require.NoError(t, Delete[testPerson](ctx, e, p.ID))
}

func TestDeleteKeepIndexes(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	p := &testPerson{Name: "Alice", Age: 30}
	require.NoError(t, e.Save(ctx, p))

	require.NoError(t, DeleteOpts[testPerson](ctx, e, p.ID, DeleteOptions{KeepIndexes: true}))

	// every index entry survives, the enumeration set included
	members, err := m.SMembers(ctx, "testPerson:all")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
	ids, err := FindIDs[testPerson](ctx, e, By("Name", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{p.ID}, ids)

	// dangling entries resolve to nothing on load
	got, err := Find[testPerson](ctx, e, By("Name", "Alice"))
	require.NoError(t, err)
	assert.Empty(t, got)
	all, err := GetAll[testPerson](ctx, e)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTaggedTypeEndToEnd(t *testing.T) {
	e, _ := newTestEngine(t, true)
	ctx := context.Background()

	alice := &testPerson{Name: "Alice", Age: 30}
	require.NoError(t, e.Save(ctx, alice))

	west := &testOrder{Region: "west", Status: "open", Total: 25, Buyer: alice, Codes: [3]string{"a", "", "c"}}
	east := &testOrder{Region: "east", Status: "open", Total: 40}
	require.NoError(t, e.Save(ctx, west))
	require.NoError(t, e.Save(ctx, east))

	// tagged types cannot be queried without the tag value
	_, err := FindIDs[testOrder](ctx, e, By("Status", "open"))
	assert.Error(t, err)

	ids, err := FindIDs[testOrder](ctx, e, By("Region", "west"), By("Status", "open"))
	require.NoError(t, err)
	assert.Equal(t, []int64{west.ID}, ids)

	ids, err = FindIDs[testOrder](ctx, e, By("Region", "east"), Where("Total", GreaterThan, 30))
	require.NoError(t, err)
	assert.Equal(t, []int64{east.ID}, ids)

	// nested predicate on the referenced record's indexed attribute
	ids, err = FindIDs[testOrder](ctx, e, By("Region", "west"), By("Buyer.Name", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{west.ID}, ids)

	got, err := Get[testOrder](ctx, e, west.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, [3]string{"a", "", "c"}, got.Codes)
	require.NotNil(t, got.Buyer)
	assert.Equal(t, "Alice", got.Buyer.Name)
}

func TestSaveRequiresReferenceIdentity(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()
	o := &testOrder{Region: "west", Status: "open", Buyer: &testPerson{Name: "Eve", Age: 20}}
	assert.Error(t, e.Save(ctx, o), "unsaved reference has no identity to index")
}

func TestCascadeSave(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()
	buyer := &testPerson{Name: "Eve", Age: 20}
	o := &testOrder{Region: "west", Status: "open", Buyer: buyer}
	require.NoError(t, e.SaveOpts(ctx, o, SaveOptions{Cascade: true}))
	assert.NotZero(t, buyer.ID)
	assert.NotZero(t, o.ID)

	got, err := Get[testPerson](ctx, e, buyer.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Eve", got.Name)
}

func TestCascadeDelete(t *testing.T) {
	e, _ := newTestEngine(t, false)
	ctx := context.Background()
	buyer := &testPerson{Name: "Eve", Age: 20}
	require.NoError(t, e.Save(ctx, buyer))
	o := &testOrder{Region: "west", Status: "open", Buyer: buyer}
	require.NoError(t, e.Save(ctx, o))

	require.NoError(t, DeleteOpts[testOrder](ctx, e, o.ID, DeleteOptions{Cascade: true}))
	got, err := Get[testPerson](ctx, e, buyer.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindLeavesNoTemporaryKeys(t *testing.T) {
	e, m := newTestEngine(t, false)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, &testPerson{Name: "Alice", Age: 30}))
	require.NoError(t, e.Save(ctx, &testPerson{Name: "Bob", Age: 40}))

	_, err := FindIDs[testPerson](ctx, e, By("Name", "Alice"), By("Age", 30))
	require.NoError(t, err)
	_, err = FindIDs[testPerson](ctx, e, By("Name", "Bob"), Where("Age", GreaterThan, 10))
	require.NoError(t, err)

	for _, k := range m.Keys() {
		assert.False(t, strings.Contains(k, "~ix"), "leaked temporary key %q", k)
	}
}

func TestSelfReferenceLoads(t *testing.T) {
	type testNode struct {
		ID     int64     `ohm:"id"`
		Label  string    `ohm:"attribute,indexed"`
		Parent *testNode `ohm:"reference"`
	}
	e, _ := newTestEngine(t, false)
	ctx := context.Background()

	root := &testNode{Label: "root"}
	require.NoError(t, e.Save(ctx, root))
	child := &testNode{Label: "child", Parent: root}
	require.NoError(t, e.Save(ctx, child))

	got, err := Get[testNode](ctx, e, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Parent)
	assert.Equal(t, "root", got.Parent.Label)
}
