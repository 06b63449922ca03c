package johm

import "github.com/gnethercutt/johm/utils"

type Options struct {
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewNopLogger()
	}
}

// SaveOptions tunes one Save call.
type SaveOptions struct {
	// Cascade also saves referenced records first, so that references
	// always index a persisted identity.
	Cascade bool
}

// DeleteOptions tunes one Delete call.
type DeleteOptions struct {
	// KeepIndexes removes only the record body, leaving index entries in
	// place. Dangling entries resolve to nothing on load.
	KeepIndexes bool
	// Cascade also deletes referenced records.
	Cascade bool
}
