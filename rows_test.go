package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Scenario: three INT columns, NBCROW with column 1 NULL and absent
// from the wire. Expected row: [1, NULL, 3].
func TestNbcRowNullBitmap(t *testing.T) {
	payload := colMetadataInt4(3)
	payload = append(payload, nbcRowTokenInt4(3, map[int]bool{1: true}, 1, 3)...)
	payload = append(payload, doneToken(doneCount, 1)...)
	sess := frameReply(t, payload)

	toks := collectTokens(sess)
	var row Row
	haveRow := false
	for _, tok := range toks {
		if r, ok := tok.(Row); ok {
			row = r
			haveRow = true
		}
	}
	if !haveRow {
		t.Fatal("no row produced")
	}
	assert.Equal(t, 3, row.Len())

	v0, ok := row.Int(0)
	assert.True(t, ok)
	assert.Equal(t, int64(1), v0)

	assert.True(t, row.IsNull(1))
	_, ok = row.Int(1)
	assert.False(t, ok)

	v2, ok := row.Int(2)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v2)
}

func TestRowSharedBuffer(t *testing.T) {
	payload := colMetadataInt4(2)
	payload = append(payload, rowTokenInt4(7, 8)...)
	payload = append(payload, rowTokenInt4(9, 10)...)
	payload = append(payload, doneToken(doneCount, 2)...)
	sess := frameReply(t, payload)

	var rows []Row
	for _, tok := range collectTokens(sess) {
		if r, ok := tok.(Row); ok {
			rows = append(rows, r)
		}
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	// Both rows reference the same backing buffer, not copies of it.
	assert.Same(t, rows[0].lease, rows[1].lease)

	// Column access slices the shared buffer in place.
	b := rows[0].Bytes(0)
	assert.Equal(t, []byte{7, 0, 0, 0}, b)
	i := rows[0].spans[0]
	assert.Equal(t, &rows[0].lease.data[i.off], &b[0], "Bytes must alias the lease, not copy")
}

func TestRowCloneExtendsLease(t *testing.T) {
	payload := colMetadataInt4(1)
	payload = append(payload, rowTokenInt4(42)...)
	payload = append(payload, doneToken(doneCount, 1)...)
	sess := frameReply(t, payload)

	var row Row
	for _, tok := range collectTokens(sess) {
		if r, ok := tok.(Row); ok {
			row = r
		}
	}
	lease := row.lease
	refsBefore := lease.refs
	clone := row.Clone()
	assert.Equal(t, refsBefore+1, lease.refs)

	row.Release()
	v, ok := clone.Int(0)
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	clone.Release()
}

func TestLeaseReleaseReclaims(t *testing.T) {
	l := newBufferLease(16)
	l.data = append(l.data, 1, 2, 3)
	l.retain()
	l.release()
	assert.NotNil(t, l.data, "still one holder")
	l.release()
	assert.Nil(t, l.data, "last release reclaims the buffer")
}

func TestColMetadataParsing(t *testing.T) {
	payload := colMetadataInt4(2)
	payload = append(payload, doneToken(doneFinal, 0)...)
	sess := frameReply(t, payload)

	var cols []columnStruct
	for _, tok := range collectTokens(sess) {
		if c, ok := tok.([]columnStruct); ok {
			cols = c
		}
	}
	if assert.Len(t, cols, 2) {
		assert.Equal(t, "c0", cols[0].ColName)
		assert.Equal(t, "c1", cols[1].ColName)
		assert.Equal(t, uint8(typeInt4), cols[0].ti.TypeId)
		assert.False(t, cols[0].isNullable())
	}
}
