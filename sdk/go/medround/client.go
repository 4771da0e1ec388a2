// Package medround is a Go client for the workflow API. Transitions made
// through the client show up in Records immediately, before the server has
// answered, and are rolled back if the server rejects them.
package medround

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carehaven/medround/internal/api/handlers"
	"github.com/carehaven/medround/internal/domain/batch"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
	"github.com/carehaven/medround/internal/projection"
)

// Re-exported wire types
type (
	Record           = workflow.Record
	Stage            = workflow.Stage
	Outcome          = workflow.Outcome
	DateRange        = schedule.DateRange
	BatchReport      = batch.Report
	ScheduleResponse = handlers.ScheduleResponse
	ReconcileResult  = handlers.ReconcileResponse
)

const staffHeader = "X-Staff-Name"

// Client is a workflow API client acting as one staff member
type Client struct {
	BaseURL    string
	Staff      string
	HTTPClient *http.Client
	Timeout    time.Duration

	overlay *projection.Overlay
	now     func() time.Time
}

// New creates a client with sane defaults
func New(baseURL, staff string) *Client {
	return &Client{
		BaseURL: baseURL,
		Staff:   staff,
		Timeout: 10 * time.Second,
		overlay: projection.New(projection.DefaultMaxEntries, projection.DefaultTTL),
		now:     time.Now,
	}
}

// APIError wraps non-2xx responses. It unwraps to the matching workflow
// sentinel, so errors.Is(err, workflow.ErrPrecondition) works across the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return workflow.ErrPrecondition
	case http.StatusNotFound:
		return workflow.ErrNotFound
	case http.StatusBadRequest:
		return workflow.ErrInvalidInput
	}
	return nil
}

// Pending reports whether a transition on recordID awaits the server
func (c *Client) Pending(recordID string) bool {
	return c.overlay.Pending(recordID)
}

// Schedule previews the dose-events of a patient. A nil range uses the
// server's rolling window.
func (c *Client) Schedule(ctx context.Context, patientID string, rng *DateRange) (ScheduleResponse, error) {
	var resp ScheduleResponse
	err := c.do(ctx, http.MethodGet, c.patientPath(patientID, "schedule")+rangeQuery(rng), nil, &resp)
	return resp, err
}

// Records lists a patient's records with pending local transitions applied
func (c *Client) Records(ctx context.Context, patientID string, rng *DateRange) ([]*Record, error) {
	var resp handlers.RecordsResponse
	if err := c.do(ctx, http.MethodGet, c.patientPath(patientID, "records")+rangeQuery(rng), nil, &resp); err != nil {
		return nil, err
	}
	return c.overlay.Project(resp.Records), nil
}

// Reconcile materializes a patient's records on the server
func (c *Client) Reconcile(ctx context.Context, patientID string, rng *DateRange) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, c.patientPath(patientID, "reconcile"), rangeBody(rng), &resp)
	return resp, err
}

// Batch runs a one-tap stage action, or full-process, over a patient's records
func (c *Client) Batch(ctx context.Context, patientID, operation string, rng *DateRange) (BatchReport, error) {
	var resp BatchReport
	endpoint := c.patientPath(patientID, "batch/"+url.PathEscape(operation))
	err := c.do(ctx, http.MethodPost, endpoint, rangeBody(rng), &resp)
	return resp, err
}

// Complete marks a stage completed
func (c *Client) Complete(ctx context.Context, recordID string, stage Stage) (*Record, error) {
	p := workflow.CompletePatch(stage, c.Staff, c.now())
	if stage == workflow.StageDispensing {
		p = projection.PredictDispense(c.Staff, workflow.Success(""), c.now())
	}
	return c.overlay.Track(ctx, recordID, p, func(ctx context.Context) (*Record, error) {
		return c.transition(ctx, c.recordPath(recordID, "stages/"+url.PathEscape(string(stage))+"/complete"), nil)
	})
}

// Revert resets a stage to pending
func (c *Client) Revert(ctx context.Context, recordID string, stage Stage) (*Record, error) {
	return c.overlay.Track(ctx, recordID, workflow.RevertPatch(stage), func(ctx context.Context) (*Record, error) {
		return c.transition(ctx, c.recordPath(recordID, "stages/"+url.PathEscape(string(stage))+"/revert"), nil)
	})
}

// Dispense records a dispensing outcome
func (c *Client) Dispense(ctx context.Context, recordID string, out Outcome) (*Record, error) {
	p := projection.PredictDispense(c.Staff, out, c.now())
	return c.overlay.Track(ctx, recordID, p, func(ctx context.Context) (*Record, error) {
		return c.transition(ctx, c.recordPath(recordID, "dispense"), out)
	})
}

func (c *Client) transition(ctx context.Context, endpoint string, body any) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodPost, endpoint, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Staff != "" {
		req.Header.Set(staffHeader, c.Staff)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &msg) != nil || msg.Error == "" {
			msg.Error = strings.TrimSpace(string(b))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) patientPath(patientID, p string) string {
	return fmt.Sprintf("api/v1/patients/%s/%s", url.PathEscape(patientID), p)
}

func (c *Client) recordPath(recordID, p string) string {
	return fmt.Sprintf("api/v1/records/%s/%s", url.PathEscape(recordID), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func rangeQuery(rng *DateRange) string {
	if rng == nil {
		return ""
	}
	q := url.Values{}
	q.Set("from", rng.From.String())
	q.Set("to", rng.To.String())
	return "?" + q.Encode()
}

func rangeBody(rng *DateRange) any {
	if rng == nil {
		return nil
	}
	return handlers.RangeRequest{From: &rng.From, To: &rng.To}
}

// IsConflict reports whether the server rejected a transition on a precondition
func IsConflict(err error) bool {
	return errors.Is(err, workflow.ErrPrecondition)
}
