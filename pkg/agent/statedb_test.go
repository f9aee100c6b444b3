package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDBRoundTrip(t *testing.T) {
	db, err := OpenStateDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	// Fresh database holds nothing.
	frame, err := db.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, frame)

	require.NoError(t, db.SaveSnapshot([]byte{0x01, 0, 0, 0, 2, '{', '}'}))
	frame, err = db.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 2, '{', '}'}, frame)

	// Later saves replace the frame.
	require.NoError(t, db.SaveSnapshot([]byte{0x01, 0, 0, 0, 0}))
	frame, err = db.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0}, frame)
}

func TestOpenStateDBCreatesDir(t *testing.T) {
	dir := t.TempDir() + "/nested/state"
	db, err := OpenStateDB(dir)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening the same file works after a clean close.
	db, err = OpenStateDB(dir)
	require.NoError(t, err)
	assert.NoError(t, db.Close())
}
