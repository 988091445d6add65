package eventlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

func newLog() *Log {
	return New(clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	l := newLog()
	l.Open("FA-0001")

	for i := 1; i <= 10; i++ {
		rec, err := l.Append("FA-0001", domain.LevelInfo, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Sequence)
		assert.Equal(t, domain.ID("FA-0001"), rec.AnalysisID)
	}

	records, err := l.ReadSince("FA-0001", 0)
	require.NoError(t, err)
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
}

func TestReadSinceResumesExactly(t *testing.T) {
	l := newLog()
	l.Open("FA-0001")
	for i := 0; i < 3; i++ {
		_, err := l.Append("FA-0001", domain.LevelInfo, "before")
		require.NoError(t, err)
	}

	first, err := l.ReadSince("FA-0001", 0)
	require.NoError(t, err)
	cursor := first[len(first)-1].Sequence

	for i := 0; i < 2; i++ {
		_, err := l.Append("FA-0001", domain.LevelWarning, "after")
		require.NoError(t, err)
	}

	second, err := l.ReadSince("FA-0001", cursor)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, uint64(4), second[0].Sequence)
	assert.Equal(t, uint64(5), second[1].Sequence)

	empty, err := l.ReadSince("FA-0001", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	beyond, err := l.ReadSince("FA-0001", 99)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestReadPageCapsResult(t *testing.T) {
	l := newLog()
	l.Open("FA-0001")
	for i := 0; i < 5; i++ {
		_, err := l.Append("FA-0001", domain.LevelInfo, "line")
		require.NoError(t, err)
	}

	page, err := l.ReadPage("FA-0001", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].Sequence)
	assert.Equal(t, uint64(3), page[1].Sequence)

	rest, err := l.ReadPage("FA-0001", 3, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	all, err := l.ReadPage("FA-0001", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestAppendFinalSealsStream(t *testing.T) {
	l := newLog()
	l.Open("FA-0001")

	_, err := l.AppendFinal("FA-0001", domain.LevelSuccess, "done")
	require.NoError(t, err)

	_, err = l.Append("FA-0001", domain.LevelInfo, "late")
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	sealed, err := l.Sealed("FA-0001")
	require.NoError(t, err)
	assert.True(t, sealed)

	last, err := l.LastSequence("FA-0001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestUnknownAnalysisAndLevel(t *testing.T) {
	l := newLog()

	_, err := l.Append("FA-0404", domain.LevelInfo, "x")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = l.ReadSince("FA-0404", 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	l.Open("FA-0001")
	_, err = l.Append("FA-0001", domain.Level("debug"), "x")
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestClearIsIdempotent(t *testing.T) {
	l := newLog()
	l.Open("FA-0001")
	_, err := l.Append("FA-0001", domain.LevelInfo, "x")
	require.NoError(t, err)

	l.Clear("FA-0001")
	l.Clear("FA-0001")

	_, err = l.ReadSince("FA-0001", 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConcurrentReadersSeeOrderedPrefix(t *testing.T) {
	l := newLog()
	l.Open("FA-0001")

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				records, err := l.ReadSince("FA-0001", 0)
				if !assert.NoError(t, err) {
					return
				}
				for j, rec := range records {
					if !assert.Equal(t, uint64(j+1), rec.Sequence) {
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		_, err := l.Append("FA-0001", domain.LevelInfo, "tick")
		require.NoError(t, err)
	}
	wg.Wait()
}
