package gitlab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlctl/internal/models"
)

func TestFetchPageParsesNodesAndPageInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": {
				"group": {
					"projects": {
						"nodes": [{"id": "1"}, {"id": "2"}],
						"pageInfo": {"hasNextPage": true, "endCursor": "c1"}
					}
				}
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok-1", 0)
	page, err := client.FetchPage(t.Context(), "groupProjects", models.ResourceTypeGroup, "g/a", nil)
	require.NoError(t, err)
	require.Len(t, page.Nodes, 2)
	require.True(t, page.PageInfo.HasNextPage)
	require.Equal(t, "c1", *page.PageInfo.EndCursor)
}

func TestFetchPageAbsentPageInfoIsSinglePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"instance": {"ok": true}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok-1", 0)
	page, err := client.FetchPage(t.Context(), "authorizationScope", models.ResourceTypeInstance, nil, nil)
	require.NoError(t, err)
	require.False(t, page.PageInfo.HasNextPage)
}

func TestFetchPageDiscoversGroupsConnection(t *testing.T) {
	var capturedQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		capturedQuery = body.Query

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": {
				"groups": {
					"nodes": [
						{"id": "1", "fullPath": "g/a", "name": "a", "__typename": "Group"},
						{"id": "2", "fullPath": "g/b", "name": "b", "__typename": "Group"}
					],
					"pageInfo": {"hasNextPage": false}
				}
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok-1", 0)
	page, err := client.FetchPage(t.Context(), "discover_groups", models.ResourceTypeDiscovery, nil, nil)
	require.NoError(t, err)
	require.Contains(t, capturedQuery, "groups(first:")
	require.Len(t, page.Nodes, 2)
	require.Equal(t, "Group", page.Nodes[0]["__typename"])
	require.False(t, page.PageInfo.HasNextPage)
}

func TestFetchPageSurfacesGraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"errors": [{"message": "not found"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok-1", 0)
	_, err := client.FetchPage(t.Context(), "issues", models.ResourceTypeProject, "p/1", nil)
	require.Error(t, err)
}
