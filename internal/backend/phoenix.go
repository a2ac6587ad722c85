package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// PhoenixClient speaks the local Phoenix GraphQL API: spans are queried per
// project through relay-style connections with cursor pagination. The
// project name is resolved to a node id once and cached for the run.
type PhoenixClient struct {
	baseURL string
	project string
	http    *http.Client

	mu        sync.Mutex
	projectID string
}

// NewPhoenixClient builds a client for the local query profile.
func NewPhoenixClient(cfg Config) *PhoenixClient {
	base := strings.TrimSuffix(cfg.PhoenixEndpoint, "/")
	// Tolerate an OTLP ingest URL being pasted as the endpoint.
	base = strings.TrimSuffix(base, "/v1/traces")
	return &PhoenixClient{
		baseURL: base,
		project: cfg.PhoenixProject,
		http:    &http.Client{Timeout: cfg.PageTimeout},
	}
}

// Name implements Store.
func (c *PhoenixClient) Name() string { return "phoenix" }

const projectsQuery = `
query Projects {
  projects(first: 200) {
    edges {
      node {
        id
        name
      }
    }
  }
}`

const projectSpansQuery = `
query ProjectSpans($id: ID!, $first: Int!, $after: String, $timeRange: TimeRange) {
  node(id: $id) {
    ... on Project {
      spans(first: $first, after: $after, timeRange: $timeRange) {
        edges {
          node {
            context {
              spanId
              traceId
            }
            name
            spanKind
            parentId
            startTime
            endTime
            attributes
            input {
              value
            }
            output {
              value
            }
          }
        }
        pageInfo {
          hasNextPage
          endCursor
        }
      }
    }
  }
}`

// graphSpanNode is one span as the GraphQL API reports it. Attributes come
// back as a JSON document (sometimes double-encoded as a string).
type graphSpanNode struct {
	Context struct {
		SpanID  string `json:"spanId"`
		TraceID string `json:"traceId"`
	} `json:"context"`
	Name      string `json:"name"`
	SpanKind  string `json:"spanKind"`
	ParentID  string `json:"parentId"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Input     *struct {
		Value string `json:"value"`
	} `json:"input"`
	Output *struct {
		Value string `json:"value"`
	} `json:"output"`
	Attributes json.RawMessage `json:"attributes"`
}

// FetchPage implements Store.
func (c *PhoenixClient) FetchPage(ctx context.Context, tr TimeRange, pageToken string, pageSize int) (Page, error) {
	projectID, err := c.resolveProject(ctx)
	if err != nil {
		return Page{}, err
	}

	vars := map[string]any{
		"id":    projectID,
		"first": pageSize,
	}
	if pageToken != "" {
		vars["after"] = pageToken
	}
	if !tr.All {
		vars["timeRange"] = map[string]any{
			"start": tr.Start.UTC().Format(time.RFC3339Nano),
			"end":   tr.End.UTC().Format(time.RFC3339Nano),
		}
	}

	var result struct {
		Node *struct {
			Spans struct {
				Edges []struct {
					Node graphSpanNode `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"spans"`
		} `json:"node"`
	}
	if err := c.graphql(ctx, projectSpansQuery, vars, &result); err != nil {
		return Page{}, err
	}
	if result.Node == nil {
		return Page{}, fmt.Errorf("%w: project node %s vanished mid-run", ErrUnavailable, projectID)
	}

	var page Page
	for _, edge := range result.Node.Spans.Edges {
		sp, err := spanFromGraphNode(edge.Node)
		if err != nil {
			continue
		}
		page.Spans = append(page.Spans, sp)
	}
	if result.Node.Spans.PageInfo.HasNextPage {
		page.NextToken = result.Node.Spans.PageInfo.EndCursor
	}
	return page, nil
}

// resolveProject maps the configured project name to its GraphQL node id,
// caching the answer. Failed resolutions are not cached so a retried page
// can succeed once the backend recovers.
func (c *PhoenixClient) resolveProject(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectID != "" {
		return c.projectID, nil
	}

	var result struct {
		Projects struct {
			Edges []struct {
				Node struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"projects"`
	}
	if err := c.graphql(ctx, projectsQuery, nil, &result); err != nil {
		return "", err
	}

	for _, edge := range result.Projects.Edges {
		if edge.Node.Name == c.project {
			c.projectID = edge.Node.ID
			return c.projectID, nil
		}
	}
	// A project that was never created has no spans; treat it like an
	// empty range, not a failure.
	return "", fmt.Errorf("%w: project %q not found", ErrEmptyResult, c.project)
}

// graphql posts one query and decodes the data payload into out.
func (c *PhoenixClient) graphql(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return fmt.Errorf("marshaling graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: graphql request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: graphql returned %s", ErrAuth, resp.Status)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: graphql returned %s: %s", ErrUnavailable, resp.Status, snippet)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: decoding graphql response: %v", ErrUnavailable, err)
	}
	if len(envelope.Errors) > 0 {
		msg := envelope.Errors[0].Message
		if strings.Contains(strings.ToLower(msg), "unauthorized") {
			return fmt.Errorf("%w: %s", ErrAuth, msg)
		}
		return fmt.Errorf("%w: graphql error: %s", ErrUnavailable, msg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: decoding graphql data: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Available probes the health endpoint, used for a fail-fast check before a
// run commits to the local profile.
func (c *PhoenixClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
