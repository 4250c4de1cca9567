package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"vellum/internal/jobs"
)

// maxPayloadRefLen bounds the opaque payload reference; anything
// larger is a malformed request, not a document.
const maxPayloadRefLen = 2048

type CreateJobRequest struct {
	PayloadRef string `json:"payloadRef"`
}

type CreateJobResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
}

type JobItem struct {
	ID               string     `json:"id"`
	State            string     `json:"state"`
	PayloadRef       string     `json:"payloadRef"`
	ClaimOwner       *string    `json:"claimOwner,omitempty"`
	ClaimLeaseExpiry *time.Time `json:"claimLeaseExpiry,omitempty"`
	AttemptCount     int        `json:"attemptCount"`
	ResultRef        *string    `json:"resultRef,omitempty"`
	ErrorDetail      *string    `json:"errorDetail,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type JobDetailResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
	Job     *JobItem `json:"job,omitempty"`
}

type ListJobsResponse struct {
	Success bool      `json:"success"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
	Jobs    []JobItem `json:"jobs,omitempty"`
}

func toJobItem(j jobs.Job) JobItem {
	return JobItem{
		ID:               j.ID.String(),
		State:            string(j.State),
		PayloadRef:       j.PayloadRef,
		ClaimOwner:       j.ClaimOwner,
		ClaimLeaseExpiry: j.ClaimLeaseExpiry,
		AttemptCount:     j.AttemptCount,
		ResultRef:        j.ResultRef,
		ErrorDetail:      j.ErrorDetail,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

// createJobHandler accepts a job submission and inserts a queued
// record. Submission is fast and optimistic; status is polled via
// the detail endpoint.
func createJobHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(jobs.Store)

	var reqBody CreateJobRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(CreateJobResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if reqBody.PayloadRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(CreateJobResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'payloadRef'",
		})
	}
	if len(reqBody.PayloadRef) > maxPayloadRefLen {
		return c.Status(fiber.StatusBadRequest).JSON(CreateJobResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "payloadRef exceeds maximum length",
		})
	}

	// A couple of quick retries smooth over store hiccups without
	// making submission slow; persistent outage surfaces as 503.
	var job jobs.Job
	backoff := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(c.Context(), backoff, func(ctx context.Context) error {
		var ierr error
		job, ierr = st.Insert(ctx, reqBody.PayloadRef)
		if errors.Is(ierr, jobs.ErrStoreUnavailable) {
			return retry.RetryableError(ierr)
		}
		return ierr
	})
	if err != nil {
		if errors.Is(err, jobs.ErrStoreUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(CreateJobResponse{
				Success: false,
				Code:    "STORE_UNAVAILABLE",
				Error:   "Job store is unavailable, retry later",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(CreateJobResponse{
			Success: false,
			Code:    "JOB_CREATE_FAILED",
			Error:   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(CreateJobResponse{
		Success: true,
		ID:      job.ID.String(),
	})
}

// jobDetailHandler returns the ledger record for a single job.
func jobDetailHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(jobs.Store)

	rawID := c.Params("id")
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(JobDetailResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Invalid job id",
		})
	}

	job, err := st.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(JobDetailResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "Job not found",
			})
		}
		if errors.Is(err, jobs.ErrStoreUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(JobDetailResponse{
				Success: false,
				Code:    "STORE_UNAVAILABLE",
				Error:   "Job store is unavailable, retry later",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(JobDetailResponse{
			Success: false,
			Code:    "JOB_GET_FAILED",
			Error:   err.Error(),
		})
	}

	item := toJobItem(job)
	return c.Status(fiber.StatusOK).JSON(JobDetailResponse{
		Success: true,
		Job:     &item,
	})
}

// jobsListHandler lists jobs, optionally filtered by state.
func jobsListHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(jobs.Store)

	state := jobs.State(c.Query("state"))
	if state != "" && !state.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(ListJobsResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid state filter",
		})
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ListJobsResponse{
				Success: false,
				Code:    "BAD_REQUEST",
				Error:   "invalid limit value",
			})
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	offset := 0
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ListJobsResponse{
				Success: false,
				Code:    "BAD_REQUEST",
				Error:   "invalid offset value",
			})
		}
		offset = n
	}

	list, err := st.List(c.Context(), jobs.ListFilter{
		State:  state,
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ListJobsResponse{
			Success: false,
			Code:    "JOB_LIST_FAILED",
			Error:   err.Error(),
		})
	}

	items := make([]JobItem, 0, len(list))
	for _, j := range list {
		items = append(items, toJobItem(j))
	}

	return c.Status(fiber.StatusOK).JSON(ListJobsResponse{
		Success: true,
		Jobs:    items,
	})
}
