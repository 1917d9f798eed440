package tupl

import (
	"bytes"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Comparator compares keys. The default is unsigned lexicographic byte
// comparison. An Index records a Comparator, but the B-tree always
// stores and scans its entries in unsigned byte order regardless of it.
type Comparator interface {
	Compare(a, b []byte) int
}

// unsignedComparator is the engine's default: plain unsigned
// lexicographic byte comparison, matching bytes.Compare.
type unsignedComparator struct{}

func (unsignedComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// DefaultComparator is the engine's built-in unsigned lexicographic
// byte-string order.
var DefaultComparator Comparator = unsignedComparator{}

// CollateComparator compares keys using a locale-aware collation, the
// way human text sorts in a given language rather than by raw byte
// value. It does not change the order of entries inside a tree: trees
// always order keys by unsigned byte value.
type CollateComparator struct {
	c *collate.Collator
}

// NewCollateComparator builds a CollateComparator for the given BCP 47
// language tag (e.g. language.German, language.Und for a locale-neutral
// but case/diacritic-aware order).
func NewCollateComparator(tag language.Tag, opts ...collate.Option) *CollateComparator {
	return &CollateComparator{c: collate.New(tag, opts...)}
}

// Compare orders a and b per the underlying collator.
func (cc *CollateComparator) Compare(a, b []byte) int {
	return cc.c.Compare(a, b)
}
