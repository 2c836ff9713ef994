package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscraper/pkg/record"
	"medscraper/pkg/session"
)

func testSession(id string) *session.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &session.Session{
		ID: id,
		Request: session.ScrapeRequest{
			Sites:      []string{"gelbeseiten.de"},
			SearchTerm: "arzt",
			Location:   "berlin",
			MaxPages:   2,
		},
		Status:         session.StatusCompleted,
		CreatedAt:      now,
		TotalTasks:     2,
		CompletedTasks: 2,
		Records: []*record.ProviderRecord{
			{
				Name:       "Dr. med. Anna Weber",
				Address:    "Hauptstraße 12, 10115 Berlin",
				Confidence: 0.8,
				Sources:    map[string]bool{"gelbeseiten.de": true},
			},
		},
	}
}

func TestSaveAndLoadSession(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	saved := testSession("sess-1")
	require.NoError(t, repo.SaveSession(saved))

	loaded, err := repo.LoadSession("sess-1")
	require.NoError(t, err)

	assert.Equal(t, saved.ID, loaded.ID)
	assert.Equal(t, saved.Status, loaded.Status)
	assert.Equal(t, saved.Request, loaded.Request)
	require.Len(t, loaded.Records, 1)
	assert.Equal(t, "Dr. med. Anna Weber", loaded.Records[0].Name)
	assert.InDelta(t, 0.8, loaded.Records[0].Confidence, 1e-9)
}

func TestSaveOverwritesPreviousState(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	s := testSession("sess-2")
	s.Status = session.StatusRunning
	s.CompletedTasks = 1
	require.NoError(t, repo.SaveSession(s))

	s.Status = session.StatusCompleted
	s.CompletedTasks = 2
	require.NoError(t, repo.SaveSession(s))

	loaded, err := repo.LoadSession("sess-2")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, loaded.Status)
	assert.Equal(t, 2, loaded.CompletedTasks)
}

func TestLoadMissingSession(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	_, err = repo.LoadSession("nope")
	assert.Error(t, err)
}

func TestAppendAndLoadRecords(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	first := &record.ProviderRecord{
		Name:    "Dr. med. Anna Weber",
		Address: "Hauptstraße 12, 10115 Berlin",
		Sources: map[string]bool{"gelbeseiten.de": true},
	}
	second := &record.ProviderRecord{
		Name:    "Dr. Karl Huber",
		Address: "Bahnhofstraße 5, 50667 Köln",
		Sources: map[string]bool{"jameda.de": true},
	}

	require.NoError(t, repo.AppendRecords("sess-r", []*record.ProviderRecord{first}))
	require.NoError(t, repo.AppendRecords("sess-r", []*record.ProviderRecord{second}))
	require.NoError(t, repo.AppendRecords("sess-r", nil), "empty append is a no-op")

	records, err := repo.LoadRecords("sess-r")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Dr. med. Anna Weber", records[0].Name)
	assert.Equal(t, "Dr. Karl Huber", records[1].Name)
	assert.True(t, records[1].Sources["jameda.de"])
}

func TestLoadRecordsWithoutLog(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	records, err := repo.LoadRecords("never-seen")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListAndDelete(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, repo.SaveSession(testSession("a")))
	require.NoError(t, repo.SaveSession(testSession("b")))

	ids, err := repo.ListSessionIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, repo.DeleteSession("a"))
	require.NoError(t, repo.DeleteSession("a"), "double delete is fine")

	ids, err = repo.ListSessionIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}
