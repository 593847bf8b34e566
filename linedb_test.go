// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func populate(db *LineDB) {
	db.AddLine("down", "G21")
	db.AddLine("up", "ok")
	db.AddLine("down", "G00 X10.000 Y10.000")
	db.AddLine("up", "ok")
	db.AddLine("down", "?")
	db.AddLine("up", "<Idle|MPos:10.000,10.000,0.000>")
}

func TestLineDBNumbering(t *testing.T) {
	db := NewLineDB()
	populate(db)

	lines := db.Query(QueryOptions{})
	require.Len(t, lines, 6)
	for i, l := range lines {
		assert.Equal(t, i+1, l.num)
	}
}

func TestLineDBRangeScan(t *testing.T) {
	db := NewLineDB()
	populate(db)

	lines := db.Query(QueryOptions{Scan: RangeScan{FromLine: intPtr(2), ToLine: intPtr(4)}})
	require.Len(t, lines, 2)
	assert.Equal(t, "ok", lines[0].content)
	assert.Equal(t, "G00 X10.000 Y10.000", lines[1].content)

	// Out-of-range scan yields nothing.
	assert.Empty(t, db.Query(QueryOptions{Scan: RangeScan{FromLine: intPtr(100)}}))
}

func TestLineDBTailScan(t *testing.T) {
	db := NewLineDB()
	populate(db)

	lines := db.Query(QueryOptions{Scan: TailScan{N: 2}})
	require.Len(t, lines, 2)
	assert.Equal(t, 5, lines[0].num)

	assert.Len(t, db.Query(QueryOptions{Scan: TailScan{N: 100}}), 6)
	assert.Empty(t, db.Query(QueryOptions{Scan: TailScan{N: 0}}))
}

func TestLineDBFilters(t *testing.T) {
	db := NewLineDB()
	populate(db)

	downs := db.Query(QueryOptions{FilterDir: "down"})
	require.Len(t, downs, 3)

	status := db.Query(QueryOptions{FilterRegex: regexp.MustCompile(`^<`)})
	require.Len(t, status, 1)
	assert.Equal(t, "up", status[0].dir)

	both := db.Query(QueryOptions{FilterDir: "up", FilterRegex: regexp.MustCompile(`^ok$`)})
	assert.Len(t, both, 2)
}
