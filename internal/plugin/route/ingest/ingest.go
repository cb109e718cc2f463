// Package ingest exposes the asynchronous text ingestion endpoints.
package ingest

import (
	"net/http"
	"time"

	"github.com/antigravity/cortex/internal/apierr"
	"github.com/antigravity/cortex/internal/jobs"
	"github.com/antigravity/cortex/internal/manager"
	"github.com/antigravity/cortex/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the ingest endpoints on the given router.
func MountRoutes(r *gin.Engine, svc *jobs.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)
	g.POST("/ingest", func(c *gin.Context) { postIngest(c, svc) })
	g.GET("/ingest/:id", func(c *gin.Context) { getIngest(c, svc) })
}

type ingestRequest struct {
	Text           string     `json:"text"`
	UserID         *string    `json:"user_id"`
	Scope          *string    `json:"scope"`
	AgentID        *string    `json:"agent_id"`
	Source         *string    `json:"source"`
	InputChannel   *string    `json:"input_channel"`
	IdempotencyKey *string    `json:"idempotency_key"`
	ReferenceTime  *time.Time `json:"reference_time"`
}

type jobResponse struct {
	JobID      string                 `json:"job_id"`
	Status     model.JobStatus        `json:"status"`
	ReceivedAt time.Time              `json:"received_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      *string                `json:"error,omitempty"`
}

func toJobResponse(job *model.IngestJob) jobResponse {
	return jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		ReceivedAt: job.ReceivedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Result:     job.Result,
		Error:      job.Error,
	}
}

func postIngest(c *gin.Context, svc *jobs.Service) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "invalid request body: %v", err))
		return
	}
	if req.Text == "" {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "text is required"))
		return
	}

	userID, err := parseUserID(req.UserID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	scope := model.ScopeGlobal
	if req.Scope != nil {
		scope = model.Scope(*req.Scope)
	}
	if !model.ValidScope(scope) {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "unknown scope %q", scope))
		return
	}
	if scope == model.ScopeAgent && (req.AgentID == nil || *req.AgentID == "") {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "agent_id is required when scope is agent"))
		return
	}
	if scope == model.ScopeGlobal && req.AgentID != nil && *req.AgentID != "" {
		apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "agent_id must be empty when scope is global"))
		return
	}
	channel := model.ChannelAPI
	if req.InputChannel != nil {
		channel = model.InputChannel(*req.InputChannel)
		if !model.ValidInputChannel(channel) {
			apierr.Write(c, apierr.New(apierr.CodeInvalidArgument, "unknown input_channel %q", *req.InputChannel))
			return
		}
	}

	ingest := manager.IngestRequest{
		UserID:       userID,
		Scope:        scope,
		AgentID:      req.AgentID,
		Text:         req.Text,
		Source:       req.Source,
		InputChannel: channel,
	}
	if req.ReferenceTime != nil {
		ingest.ReferenceTime = req.ReferenceTime.UTC()
	}

	// The Idempotency-Key header wins over the body field.
	idemKey := req.IdempotencyKey
	if h := c.GetHeader("Idempotency-Key"); h != "" {
		idemKey = &h
	}

	job, err := svc.Accept(c.Request.Context(), jobs.AcceptRequest{
		IngestRequest:  ingest,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toJobResponse(job))
}

func getIngest(c *gin.Context, svc *jobs.Service) {
	userID, err := parseUserID(queryPtr(c, "user_id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	job, err := svc.GetJob(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func parseUserID(raw *string) (uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return model.DefaultUserID, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CodeInvalidArgument, "user_id must be a UUID")
	}
	return id, nil
}

func queryPtr(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok {
		return &v
	}
	return nil
}
