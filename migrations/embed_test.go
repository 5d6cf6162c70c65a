package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	src, err := iofs.New(FS, ".")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	versions := []uint{first}
	for v := first; ; {
		next, err := src.Next(v)
		if err != nil {
			break
		}
		versions = append(versions, next)
		v = next
	}
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, versions)

	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err)
		_ = up.Close()
		down, _, err := src.ReadDown(v)
		require.NoError(t, err)
		_ = down.Close()
	}
}
