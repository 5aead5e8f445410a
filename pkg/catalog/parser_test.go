package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

const sharePathPage = `
<html><body>
<h1>File Share Paths</h1>
<table>
  <tr><th>Lab</th><th>Storage</th><th>Mac Path</th><th>Windows Path</th><th>Linux Path</th><th>Group</th></tr>
  <tr><td>Ackermann Lab</td><td>primary</td><td>smb://fs/ackermann</td><td>\\fs\ackermann</td><td>/groups/ackermann/primary</td><td>ackermann</td></tr>
  <tr><td></td><td>nearline</td><td>smb://fs/ackermann-nl</td><td>\\fs\ackermann-nl</td><td>/nearline/ackermann</td><td>ackermann</td></tr>
  <tr><td>Baker Lab</td><td>primary</td><td>smb://fs/baker</td><td>\\fs\baker</td><td>/groups/baker/primary</td><td>baker</td></tr>
</table>
</body></html>`

const bucketPage = `
<html><body>
<table>
  <tr><th>Lab</th><th>Storage</th><th>Mac Path</th><th>Windows Path</th><th>Linux Path</th><th>Group</th></tr>
  <tr><td>Ackermann Lab</td><td>primary</td><td>m</td><td>w</td><td>/groups/ackermann/primary</td><td>ackermann</td></tr>
</table>
<h2>External Buckets</h2>
<table>
  <tr><th>Name</th><th>External URL</th><th>Filesystem Path</th></tr>
  <tr><td>imaging</td><td>https://proxy.example.org/imaging</td><td>/buckets/imaging</td></tr>
  <tr><td>genomes</td><td>https://proxy.example.org/genomes</td><td>/buckets/genomes</td></tr>
</table>
</body></html>`

func TestTableParser_SharePathTable(t *testing.T) {
	parser := NewTableParser()
	candidates, err := parser.Parse(&Document{Body: sharePathPage})
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	byKey := make(map[string]Candidate)
	for _, c := range candidates {
		byKey[c.SourceKey] = c
	}

	first, ok := byKey["groups_ackermann_primary"]
	require.True(t, ok)
	assert.Equal(t, "Ackermann Lab", first.DisplayName)
	assert.Equal(t, "/groups/ackermann/primary", first.CanonicalPath)
	assert.Equal(t, registry.BackendLocalFS, first.Backend)
	assert.Equal(t, "primary", first.Storage)
	assert.Equal(t, "ackermann", first.Group)

	// The second row's lab cell is merged with the first; forward fill must
	// restore it.
	nearline, ok := byKey["nearline_ackermann"]
	require.True(t, ok)
	assert.Equal(t, "Ackermann Lab", nearline.DisplayName)
	assert.Equal(t, "nearline", nearline.Storage)
}

func TestTableParser_BucketTables(t *testing.T) {
	parser := NewTableParser()
	candidates, err := parser.Parse(&Document{Body: bucketPage})
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	var buckets []Candidate
	for _, c := range candidates {
		if c.Backend == registry.BackendObjectStore {
			buckets = append(buckets, c)
		}
	}
	require.Len(t, buckets, 2)

	byKey := make(map[string]Candidate)
	for _, c := range buckets {
		byKey[c.SourceKey] = c
	}
	imaging, ok := byKey["buckets_imaging"]
	require.True(t, ok)
	assert.Equal(t, "https://proxy.example.org/imaging", imaging.ProxyURL)
	assert.Equal(t, "/buckets/imaging", imaging.CanonicalPath)
	assert.Equal(t, "imaging", imaging.DisplayName)
}

func TestTableParser_SkipsRowsWithoutLinuxPath(t *testing.T) {
	page := `
<table>
  <tr><th>Lab</th><th>Storage</th><th>Mac Path</th><th>Windows Path</th><th>Linux Path</th><th>Group</th></tr>
  <tr><td>Orphan Lab</td><td>primary</td><td>m</td><td>w</td><td></td><td>orphan</td></tr>
  <tr><td>Real Lab</td><td>primary</td><td>m</td><td>w</td><td>/groups/real</td><td>real</td></tr>
</table>`

	// Forward fill only propagates values downward, so the first row's empty
	// linux path stays empty and the row is dropped.
	candidates, err := NewTableParser().Parse(&Document{Body: page})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "groups_real", candidates[0].SourceKey)
}

func TestTableParser_NoTables(t *testing.T) {
	_, err := NewTableParser().Parse(&Document{Body: "<html><body><p>nothing here</p></body></html>"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrParseFailure))
}

func TestTableParser_NoShareTable(t *testing.T) {
	// A page with only an unrecognized narrow table is a parse failure, not
	// an empty catalog.
	page := `<table><tr><th>A</th><th>B</th></tr><tr><td>1</td><td>2</td></tr></table>`
	_, err := NewTableParser().Parse(&Document{Body: page})
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrParseFailure))
}

func TestTableParser_OnlyFirstWideTableIsShares(t *testing.T) {
	page := `
<table>
  <tr><th>Lab</th><th>Storage</th><th>Mac Path</th><th>Windows Path</th><th>Linux Path</th><th>Group</th></tr>
  <tr><td>A</td><td>primary</td><td>m</td><td>w</td><td>/groups/a</td><td>a</td></tr>
</table>
<table>
  <tr><th>Lab</th><th>Storage</th><th>Mac Path</th><th>Windows Path</th><th>Linux Path</th><th>Group</th></tr>
  <tr><td>B</td><td>primary</td><td>m</td><td>w</td><td>/groups/b</td><td>b</td></tr>
</table>`

	candidates, err := NewTableParser().Parse(&Document{Body: page})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "groups_a", candidates[0].SourceKey)
}

func TestForwardFill(t *testing.T) {
	table := &htmlTable{
		headers: []string{"a", "b"},
		rows: [][]string{
			{"x", "1"},
			{"", "2"},
			{"y", ""},
			{"", ""},
		},
	}
	table.forwardFill()

	assert.Equal(t, [][]string{
		{"x", "1"},
		{"x", "2"},
		{"y", "2"},
		{"y", "2"},
	}, table.rows)
}
