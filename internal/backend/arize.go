package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/valyala/fastjson"

	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/pkg/jsonutil"
	"github.com/agentlens/loom/pkg/timeutil"
)

// ArizeClient speaks the cloud span-export API: a key- and space-scoped
// POST endpoint returning pages of flattened span rows with dotted column
// names and millisecond timestamps, chained by an opaque page token.
type ArizeClient struct {
	cfg  Config
	http *http.Client
}

// NewArizeClient builds a client for the cloud export profile.
func NewArizeClient(cfg Config) *ArizeClient {
	return &ArizeClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.PageTimeout},
	}
}

// Name implements Store.
func (c *ArizeClient) Name() string { return "arize" }

// exportRequest is the export endpoint's query document. Time bounds are
// omitted entirely for all-data runs.
type exportRequest struct {
	SpaceKey  string `json:"space_key"`
	ModelID   string `json:"model_id"`
	StartTime *int64 `json:"start_time,omitempty"`
	EndTime   *int64 `json:"end_time,omitempty"`
	PageSize  int    `json:"page_size"`
	PageToken string `json:"page_token,omitempty"`
}

// FetchPage implements Store.
func (c *ArizeClient) FetchPage(ctx context.Context, tr TimeRange, pageToken string, pageSize int) (Page, error) {
	reqBody := exportRequest{
		SpaceKey:  c.cfg.ArizeSpaceKey,
		ModelID:   c.cfg.ArizeModelID,
		PageSize:  pageSize,
		PageToken: pageToken,
	}
	if !tr.All {
		start := timeutil.ToMillis(tr.Start)
		end := timeutil.ToMillis(tr.End)
		reqBody.StartTime = &start
		reqBody.EndTime = &end
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return Page{}, fmt.Errorf("marshaling export request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.ArizeEndpoint+"/v1/export/spans", bytes.NewReader(b))
	if err != nil {
		return Page{}, fmt.Errorf("building export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ArizeAPIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: export request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, fmt.Errorf("%w: export returned %s", ErrAuth, resp.Status)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, fmt.Errorf("%w: export returned %s: %s",
			ErrUnavailable, resp.Status, jsonutil.TruncateString(string(snippet), 200))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("%w: reading export response: %v", ErrUnavailable, err)
	}
	return parseExportPage(raw)
}

// parseExportPage decodes one export response. Malformed rows are skipped
// with a warning rather than failing the page: one broken record must not
// cost the rest of the export.
func parseExportPage(raw []byte) (Page, error) {
	var p fastjson.Parser
	root, err := p.ParseBytes(raw)
	if err != nil {
		return Page{}, fmt.Errorf("%w: malformed export response: %v", ErrUnavailable, err)
	}

	page := Page{NextToken: string(root.GetStringBytes("next_page_token"))}
	for i, row := range root.GetArray("spans") {
		sp, err := spanFromExportRow(row)
		if err != nil {
			logger.Log.WithField("row", i).WithError(err).Warn("skipping malformed span row")
			continue
		}
		page.Spans = append(page.Spans, sp)
	}
	return page, nil
}
