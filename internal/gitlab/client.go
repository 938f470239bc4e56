// Package gitlab implements the crawler-side GraphQL fetch client; it has no
// REST code path.
// GraphQL schema details beyond the pagination contract
// (pageInfo{hasNextPage,endCursor}) are out of scope (spec §1); this client
// hand-builds JSON query bodies the way the teacher's internal/eodhd and
// internal/connectors packages build raw HTTP requests, rather than pulling
// in a generated GraphQL client (none exists in the retrieval pack).
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// Client issues paginated GraphQL requests against one GitLab instance on
// behalf of a single task. Every fetch is a GraphQL POST; REST endpoints are
// not called.
type Client struct {
	httpClient  *http.Client
	apiURL      string
	accessToken string
}

// NewClient builds a Client for one task's credentials and endpoint.
// timeout is the per-call HTTP deadline (default 60s, spec §5).
func NewClient(apiURL, accessToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		apiURL:      apiURL,
		accessToken: accessToken,
	}
}

// FetchPage issues one page of a cursor-paginated fetch for dataType against
// resourceType/resourceID, continuing from after (nil for the first page).
// A response with no pageInfo block is treated as a single, final page
// (hasNextPage=false), per spec §2/§8.
func (c *Client) FetchPage(ctx context.Context, dataType string, resourceType models.ResourceType, resourceID interface{}, after *string) (*models.Page, error) {
	query, variables := buildQuery(dataType, resourceType, resourceID, after)

	body, err := json.Marshal(map[string]interface{}{"query": query, "variables": variables})
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindInternal, crawlerr.SeverityMedium, "failed to encode GraphQL request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindNetwork, crawlerr.SeverityMedium, "failed to build GraphQL request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindNetwork, crawlerr.SeverityHigh, "GraphQL request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindNetwork, crawlerr.SeverityHigh, "failed to read GraphQL response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, crawlerr.New(crawlerr.KindRateLimiting, crawlerr.SeverityMedium, "GraphQL endpoint rate-limited the request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, crawlerr.New(crawlerr.KindNetwork, crawlerr.SeverityHigh,
			fmt.Sprintf("GraphQL endpoint returned status %d: %s", resp.StatusCode, string(raw)))
	}

	var envelope struct {
		Data   map[string]interface{} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityMedium, "failed to parse GraphQL response", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, crawlerr.New(crawlerr.KindNetwork, crawlerr.SeverityHigh, "GraphQL error: "+envelope.Errors[0].Message)
	}

	page := extractPage(envelope.Data)
	if page == nil {
		// No nodes/pageInfo block found anywhere in the response: treat as
		// a single empty page rather than an error (spec §8 boundary case).
		return &models.Page{PageInfo: &models.PageInfo{HasNextPage: false}}, nil
	}
	return page, nil
}

// connectionField maps a dataType to the GraphQL connection field name it
// fetches. Most dataTypes already match their wire name.
var connectionField = map[string]string{
	"members":           "groupMembers",
	"groupProjects":     "projects",
	"groupSubgroups":    "descendantGroups",
	"issues":            "issues",
	"mergeRequests":     "mergeRequests",
	"branches":          "repository { branchNames }",
	"pipelines":         "pipelines",
	"commits":           "repository { tree { commits } }",
	"releases":          "releases",
	"vulnerabilities":   "vulnerabilities",
	"labels":            "labels",
	"milestones":        "milestones",
	"epics":             "epics",
	"timelogs":          "timelogs",
	"deployTokens":      "deployTokens",
	"discover_groups":   "groups",
	"discover_projects": "projects",
}

// buildQuery produces a GraphQL document for one dataType/resource pair.
// The schema here is intentionally shallow: only what is needed to exercise
// the pagination contract (pageInfo/nodes/after), per spec §1.
func buildQuery(dataType string, resourceType models.ResourceType, resourceID interface{}, after *string) (string, map[string]interface{}) {
	field, ok := connectionField[dataType]
	if !ok {
		field = dataType
	}

	variables := map[string]interface{}{}
	if after != nil {
		variables["after"] = *after
	}

	switch resourceType {
	case models.ResourceTypeGroup:
		variables["fullPath"] = fmt.Sprintf("%v", resourceID)
		query := fmt.Sprintf(`query($fullPath: ID!, $after: String) {
  group(fullPath: $fullPath) {
    %s(first: 100, after: $after) {
      nodes { id }
      pageInfo { hasNextPage endCursor }
    }
  }
}`, field)
		return query, variables
	case models.ResourceTypeProject:
		variables["fullPath"] = fmt.Sprintf("%v", resourceID)
		query := fmt.Sprintf(`query($fullPath: ID!, $after: String) {
  project(fullPath: $fullPath) {
    %s(first: 100, after: $after) {
      nodes { id }
      pageInfo { hasNextPage endCursor }
    }
  }
}`, field)
		return query, variables
	default:
		// Discovery and instance-level queries have no resource id.
		query := fmt.Sprintf(`query($after: String) {
  %s(first: 100, after: $after, membership: true) {
    nodes { id fullPath name __typename }
    pageInfo { hasNextPage endCursor }
  }
}`, field)
		return query, variables
	}
}

// extractPage walks a decoded GraphQL response depth-first for the first
// object carrying a "nodes" key, matching whatever shape the specific query
// produced, and returns it as a generic Page.
func extractPage(v interface{}) *models.Page {
	switch t := v.(type) {
	case map[string]interface{}:
		if nodesRaw, ok := t["nodes"]; ok {
			page := &models.Page{Nodes: toNodeSlice(nodesRaw)}
			if piRaw, ok := t["pageInfo"].(map[string]interface{}); ok {
				pi := &models.PageInfo{}
				if hn, ok := piRaw["hasNextPage"].(bool); ok {
					pi.HasNextPage = hn
				}
				if ec, ok := piRaw["endCursor"].(string); ok {
					pi.EndCursor = &ec
				}
				page.PageInfo = pi
			}
			return page
		}
		for _, child := range t {
			if page := extractPage(child); page != nil {
				return page
			}
		}
	case []interface{}:
		for _, child := range t {
			if page := extractPage(child); page != nil {
				return page
			}
		}
	}
	return nil
}

func toNodeSlice(v interface{}) []map[string]interface{} {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	nodes := make([]map[string]interface{}, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]interface{}); ok {
			nodes = append(nodes, m)
		}
	}
	return nodes
}
