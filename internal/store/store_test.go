package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/crescendo/internal/align"
	"github.com/chase3718/crescendo/internal/pitch"
	"github.com/chase3718/crescendo/internal/plan"
	"github.com/chase3718/crescendo/internal/score"
)

func sampleAttempt() Attempt {
	notes := []plan.Note{{MIDI: 60, Duration: 0.5}}
	frames := []pitch.Frame{pitch.AtMIDI(0.1, 60.05), pitch.Unvoiced(0.2)}
	est := align.Estimate{OffsetSamples: 441, OffsetMs: 10, Confidence: 0.9, Method: align.MethodPeak}
	return NewAttempt("scale", notes, est, est.OffsetOr(120), score.Score(notes, frames, 10))
}

func TestSaveLoad(t *testing.T) {
	d, err := NewDir(filepath.Join(t.TempDir(), "attempts"))
	require.NoError(t, err)

	a := sampleAttempt()
	require.NoError(t, d.Save(a))

	got, err := d.Load(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, a.Result.Score, got.Result.Score)
	assert.Equal(t, a.Offset, got.Offset)
	require.Len(t, got.Result.Frames, 2)
	require.NotNil(t, got.Result.Frames[0].Cents)
	assert.InDelta(t, 5, *got.Result.Frames[0].Cents, 1e-6)
	assert.False(t, got.Result.Frames[1].Voiced())

	entries, err := os.ReadDir(d.Root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadMissing(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	_, err = d.Load(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRequiresID(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, d.Save(Attempt{}))
}

func TestListOrdersByCreation(t *testing.T) {
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	first, second := sampleAttempt(), sampleAttempt()
	first.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	require.NoError(t, d.Save(second))
	require.NoError(t, d.Save(first))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root, "notes.json"), []byte("{}"), 0o644))

	list, err := d.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}
