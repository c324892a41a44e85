package intelpt

import "github.com/rs/xid"

// newTraceID mints the correlation ID attached to one Decoder instance.
// The decoder does not use it itself; callers read it through ID.
func newTraceID() xid.ID {
	return xid.New()
}

// ID returns the correlation ID minted for this decoder at construction,
// suitable as a metrics label or log field for telling concurrent decoder
// instances apart.
func (d *Decoder) ID() string {
	return d.id.String()
}
