package repo

import (
	"math"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterNumbersPlaceholders(t *testing.T) {
	var f filter
	f.add(`status = ?`, "active")
	f.add(`(name ILIKE ? OR handle ILIKE ?)`, "%bot%")

	assert.Equal(t, " WHERE status = $1 AND (name ILIKE $2 OR handle ILIKE $2)", f.where())
	assert.Equal(t, "$3", f.next(1))
	assert.Equal(t, "$4", f.next(2))
	assert.Len(t, f.args, 2)
}

func TestFilterEmpty(t *testing.T) {
	var f filter
	assert.Empty(t, f.where())
	assert.Equal(t, "$1", f.next(1))
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, `%50\%\_off%`, likePattern(" 50%_off "))
}

func TestListParamsOffset(t *testing.T) {
	assert.Equal(t, 0, ListParams{}.Offset())
	assert.Equal(t, 0, ListParams{Page: 1}.Offset())
	assert.Equal(t, 100, ListParams{Page: 3}.Offset())
	assert.Equal(t, (MaxPage-1)*PageSize, ListParams{Page: math.MaxInt}.Offset())
}

func TestMigrationNamesSorted(t *testing.T) {
	fsys := fstest.MapFS{
		"002_market.sql": {Data: []byte("SELECT 2;")},
		"001_init.sql":   {Data: []byte("SELECT 1;")},
		"embed.go":       {Data: []byte("package migrations")},
		"nested/x.sql":   {Data: []byte("SELECT 3;")},
	}
	names, err := migrationNames(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_market.sql"}, names)
}
