package wire

// SchemaEntry is one row of the compile-time schema-compiler type
// table: the fixed shape a data_type must serialize to. For KindString,
// FixedSize is the pad/truncate width rather than an exact-match size.
type SchemaEntry struct {
	FixedSize int
	Kind      Kind
}

// Schema looks up the expected shape for dataType. The schema-compiler
// table itself is out of scope for this module; callers supply their own
// lookup (e.g. backed by a generated map) and wire it into a Router with
// Router.SetSchema.
type Schema func(dataType uint16) (SchemaEntry, bool)

// PadOrTruncate returns payload resized to exactly n bytes: truncated if
// longer, zero-padded if shorter. Used for KindString packets against a
// schema's fixed pad width.
func PadOrTruncate(payload []byte, n int) []byte {
	if len(payload) == n {
		return payload
	}
	out := make([]byte, n)
	copy(out, payload)
	return out
}
