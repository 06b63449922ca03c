// Provides common johm errors definitions.
package johm_errors

import "errors"

var (
	ErrInvalidType  = errors.New("johm: not a registered record type")
	ErrNoSuchField  = errors.New("johm: no such field")
	ErrNotIndexed   = errors.New("johm: field is not indexed")
	ErrNotIndexable = errors.New("johm: field name is not indexable")

	ErrNotComparable    = errors.New("johm: range condition on a non-comparable field")
	ErrInvalidValue     = errors.New("johm: null or empty value")
	ErrEmptyTagValue    = errors.New("johm: hashtag field value is null or empty")
	ErrMissingIdentity  = errors.New("johm: referenced record has no identity")
	ErrValueNotNumeric  = errors.New("johm: non-numeric value on a comparable field")
	ErrInvalidIdentity  = errors.New("johm: identity field must be int64")
	ErrRoleCombination  = errors.New("johm: illegal role combination")
	ErrDuplicateHashTag = errors.New("johm: more than one hashtag field")
	ErrMissingTag       = errors.New("johm: query on a tagged type needs an equality predicate on the hashtag field")

	ErrTransactionAborted = errors.New("johm: transaction aborted")
	ErrStoreUnavailable   = errors.New("johm: store unavailable")
	ErrRollbackFailure    = errors.New("johm: rollback failed, index state may be inconsistent")
)
