package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/registry-jobs/internal/store"
)

func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List queued jobs",
		Description: "Keyset-paginated listing of background_jobs with retry state and next eligible attempt.",
		Tags:        []string{"Jobs"},
	}, srv.listJobsHandler)
}

// ListJobsInput holds the query parameters for GET /jobs.
type ListJobsInput struct {
	Type       string `query:"type" doc:"Filter by job type tag"`
	MinRetries int    `query:"min_retries" minimum:"0" doc:"Only jobs with at least this many failed attempts"`
	Dead       bool   `query:"dead" doc:"Only dead-lettered jobs"`
	After      int64  `query:"after" minimum:"0" doc:"Return jobs with id greater than this (keyset cursor)"`
	Limit      int    `query:"limit" minimum:"1" maximum:"500" default:"100" doc:"Page size (max 500)"`
}

// JobItem is the API representation of a background_jobs row.
type JobItem struct {
	ID            int64           `json:"id"`
	JobType       string          `json:"job_type"`
	Data          json.RawMessage `json:"data"`
	Retries       int32           `json:"retries"`
	LastRetry     string          `json:"last_retry"`      // RFC3339
	CreatedAt     string          `json:"created_at"`      // RFC3339
	NextAttemptAt string          `json:"next_attempt_at"` // RFC3339
	Dead          bool            `json:"dead"`
}

// ListJobsOutput is the response for GET /jobs.
type ListJobsOutput struct {
	Body *ListJobsBody
}

// ListJobsBody is the JSON body of the list response. NextAfter is set when
// the page was full.
type ListJobsBody struct {
	Items     []JobItem `json:"items"`
	NextAfter int64     `json:"next_after,omitempty"`
}

func (srv *Server) listJobsHandler(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	if srv.store == nil || srv.jobs == nil {
		return nil, huma.Error503ServiceUnavailable("database unavailable")
	}
	infos, err := srv.jobs.ListJobs(ctx, srv.store.Pool(), store.ListFilter{
		JobType:    input.Type,
		MinRetries: int32(input.MinRetries), //nolint:gosec // bounded by the minimum:"0" tag
		DeadOnly:   input.Dead,
		AfterID:    input.After,
		Limit:      uint64(input.Limit), //nolint:gosec // huma enforces 1..500
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("list jobs", err)
	}

	body := &ListJobsBody{Items: make([]JobItem, 0, len(infos))}
	for _, j := range infos {
		body.Items = append(body.Items, JobItem{
			ID:            j.ID,
			JobType:       j.JobType,
			Data:          j.Data,
			Retries:       j.Retries,
			LastRetry:     j.LastRetry.UTC().Format(time.RFC3339),
			CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
			NextAttemptAt: j.NextAttemptAt.UTC().Format(time.RFC3339),
			Dead:          j.Dead,
		})
	}
	if input.Limit > 0 && len(infos) == input.Limit {
		body.NextAfter = infos[len(infos)-1].ID
	}
	return &ListJobsOutput{Body: body}, nil
}
