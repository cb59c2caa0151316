package manifest

import (
	"strings"
	"testing"

	"github.com/hupe1980/shardedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardedup/model"
)

func TestParse(t *testing.T) {
	in := "#G 3\n3\tdata/docA.jsonl.gz\n2\tdata/docB.jsonl.gz\n"

	m, err := Parse(strings.NewReader(in), "test.src")
	require.NoError(t, err)

	assert.True(t, m.HasGroup)
	assert.Equal(t, model.GroupID(3), m.Group)
	require.Len(t, m.Records, 2)
	assert.Equal(t, Record{Source: "data/docA.jsonl.gz", Lines: 3, Start: 0}, m.Records[0])
	assert.Equal(t, Record{Source: "data/docB.jsonl.gz", Lines: 2, Start: 3}, m.Records[1])
	assert.Equal(t, uint64(5), m.TotalLines())
}

func TestParseNoHeader(t *testing.T) {
	m, err := Parse(strings.NewReader("10\ta\n"), "test.src")
	require.NoError(t, err)
	assert.False(t, m.HasGroup)
	assert.Equal(t, uint64(10), m.TotalLines())
}

func TestParseMalformed(t *testing.T) {
	var fe *shardedup.FormatError

	_, err := Parse(strings.NewReader("3 docA\n"), "test.src")
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Msg, "no TAB separator")

	_, err = Parse(strings.NewReader("x\tdocA\n"), "test.src")
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Msg, "bad line count")

	_, err = Parse(strings.NewReader("#G many\n1\ta\n"), "test.src")
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Msg, "bad group order")
}

func TestFind(t *testing.T) {
	in := "2\tdata/a.jsonl.gz\n4\tdata/b.jsonl.gz\n"
	m, err := Parse(strings.NewReader(in), "test.src")
	require.NoError(t, err)

	rec, err := m.Find("data/b.jsonl.gz", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Start)
	assert.Equal(t, uint64(4), rec.Lines)

	// Directory stripping.
	rec, err = m.Find("a.jsonl.gz", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Start)

	_, err = m.Find("missing.gz", false)
	assert.Error(t, err)
}

func TestFindDuplicatedSource(t *testing.T) {
	// Stripping directories makes the two records collide.
	in := "2\tx/a.jsonl.gz\n4\ty/a.jsonl.gz\n"
	m, err := Parse(strings.NewReader(in), "test.src")
	require.NoError(t, err)

	var fe *shardedup.FormatError
	_, err = m.Find("a.jsonl.gz", true)
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Msg, "duplicated source")
}
