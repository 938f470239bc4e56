package crawlerworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
)

// fakeFetcher serves a fixed sequence of pages for a single dataType, one
// per FetchPage call, panicking if more calls arrive than pages provided.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]*models.Page
	calls map[string]int
	err   error
}

func (f *fakeFetcher) FetchPage(ctx context.Context, dataType string, resourceType models.ResourceType, resourceID interface{}, after *string) (*models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls[dataType]
	f.calls[dataType] = idx + 1
	pages := f.pages[dataType]
	if idx >= len(pages) {
		return &models.Page{PageInfo: &models.PageInfo{HasNextPage: false}}, nil
	}
	return pages[idx], nil
}

type fakeSink struct {
	mu      sync.Mutex
	written map[string]int
}

func newFakeSink() *fakeSink { return &fakeSink{written: make(map[string]int)} }

func (s *fakeSink) WriteRecords(dataType, targetPath string, records []map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[dataType] += len(records)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*models.Envelope
}

func (s *fakeSender) Send(env *models.Envelope, priority bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
}

func (s *fakeSender) envelopesWithKey(key models.Key) []*models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Envelope
	for _, e := range s.sent {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

type fakeSpawner struct {
	mu    sync.Mutex
	areas []models.Area
}

func (f *fakeSpawner) SpawnAreaJobs(parentJobID string, area models.Area) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.areas = append(f.areas, area)
	return nil
}

func ptr(s string) *string { return &s }

// TestExecuteJobHappyPathDiscovery exercises GROUP_PROJECT_DISCOVERY's
// internal expansion of its single wire-level dataType into independent
// groups/projects connections (expandDataTypes), confirming both a real
// groups query and a real projects query run and each spawns the right
// area type. It must not inject fabricated __typename:"Group" nodes into a
// single generic fetch call, since that would mask the absence of an actual
// groups connection path in gitlab.Client.
func TestExecuteJobHappyPathDiscovery(t *testing.T) {
	fetcher := &fakeFetcher{
		calls: map[string]int{},
		pages: map[string][]*models.Page{
			discoveryGroupsDataType: {
				{
					Nodes:    []map[string]interface{}{{"id": "1", "fullPath": "g/a", "name": "a", "__typename": "Group"}},
					PageInfo: &models.PageInfo{HasNextPage: true, EndCursor: ptr("c1")},
				},
				{
					Nodes:    []map[string]interface{}{{"id": "2", "fullPath": "g/b", "name": "b", "__typename": "Group"}},
					PageInfo: &models.PageInfo{HasNextPage: false},
				},
			},
			discoveryProjectsDataType: {
				{
					Nodes:    []map[string]interface{}{{"id": "3", "fullPath": "g/a/proj", "name": "proj", "__typename": "Project"}},
					PageInfo: &models.PageInfo{HasNextPage: false},
				},
			},
		},
	}
	sink := newFakeSink()
	sender := &fakeSender{}
	spawner := &fakeSpawner{}

	m := NewManager("crawler-1", func(*models.TaskDescriptor) Fetcher { return fetcher }, sink, sender, nil, spawner, Config{PageThrottle: time.Millisecond}, nil)

	descriptor := &models.TaskDescriptor{
		TaskID:       "J1",
		Command:      models.CommandGroupProjectDiscovery,
		ResourceType: models.ResourceTypeDiscovery,
		DataTypes:    []string{discoveryDataType},
	}
	m.Enqueue(descriptor)
	m.TryStartNextJob(t.Context())

	require.Eventually(t, func() bool {
		return len(sender.envelopesWithKey(models.KeyJobUpdate)) == 1
	}, time.Second, 5*time.Millisecond)

	updates := sender.envelopesWithKey(models.KeyJobUpdate)
	payload := updates[0].Payload.(models.JobUpdatePayload)
	require.Equal(t, models.JobUpdateCompleted, payload.Status)
	require.Len(t, spawner.areas, 3)

	var groups, projects int
	for _, area := range spawner.areas {
		switch area.Type {
		case models.AreaTypeGroup:
			groups++
		case models.AreaTypeProject:
			projects++
		}
	}
	require.Equal(t, 2, groups)
	require.Equal(t, 1, projects)
	require.Equal(t, 2, sink.written[discoveryGroupsDataType])
	require.Equal(t, 1, sink.written[discoveryProjectsDataType])

	state, _, _, _ := m.Status()
	require.Equal(t, StateIdle, state)
}

func TestExecuteJobPauseCheckpointsCursor(t *testing.T) {
	fetcher := &fakeFetcher{
		calls: map[string]int{},
		pages: map[string][]*models.Page{
			"issues": {
				{Nodes: []map[string]interface{}{{"id": "1"}}, PageInfo: &models.PageInfo{HasNextPage: true, EndCursor: ptr("c1")}},
				{Nodes: []map[string]interface{}{{"id": "2"}}, PageInfo: &models.PageInfo{HasNextPage: true, EndCursor: ptr("c4")}},
			},
		},
	}
	sink := newFakeSink()
	sender := &fakeSender{}

	m := NewManager("crawler-1", func(*models.TaskDescriptor) Fetcher { return fetcher }, sink, sender, nil, nil, Config{}, nil)

	descriptor := &models.TaskDescriptor{
		TaskID:       "J2",
		Command:      models.CommandIssues,
		ResourceType: models.ResourceTypeProject,
		ResourceID:   "p/1",
		DataTypes:    []string{"issues"},
	}
	m.Enqueue(descriptor)

	// Pause immediately so the very first suspension-point check fires
	// before any page is fetched... except we want page 4 to complete, so
	// pause is requested only after the manager starts, racing the fetch.
	// Use a small sleep to let the first fetch begin, matching scenario 2's
	// "page completes, then pause takes effect" semantics closely enough
	// for a unit test without instrumenting the fetch call itself.
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Pause()
	}()

	m.TryStartNextJob(t.Context())

	require.Eventually(t, func() bool {
		state, _, _, _ := m.Status()
		return state == StatePaused
	}, time.Second, 5*time.Millisecond)

	m.mu.Lock()
	progress := m.active.progress["issues"]
	m.mu.Unlock()
	require.NotNil(t, progress.AfterCursor)
}

func TestExecuteJobFailurePropagatesErrorMessage(t *testing.T) {
	fetcher := &fakeFetcher{calls: map[string]int{}, pages: map[string][]*models.Page{}, err: assertErr{}}
	sink := newFakeSink()
	sender := &fakeSender{}

	m := NewManager("crawler-1", func(*models.TaskDescriptor) Fetcher { return fetcher }, sink, sender, nil, nil, Config{}, nil)
	descriptor := &models.TaskDescriptor{
		TaskID:       "J3",
		Command:      models.CommandIssues,
		ResourceType: models.ResourceTypeProject,
		ResourceID:   "p/1",
		DataTypes:    []string{"issues"},
	}
	m.Enqueue(descriptor)
	m.TryStartNextJob(t.Context())

	require.Eventually(t, func() bool {
		return len(sender.envelopesWithKey(models.KeyJobUpdate)) == 1
	}, time.Second, 5*time.Millisecond)

	payload := sender.envelopesWithKey(models.KeyJobUpdate)[0].Payload.(models.JobUpdatePayload)
	require.Equal(t, models.JobUpdateFailed, payload.Status)
	require.Equal(t, "boom", payload.Error)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
