package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/quota"
	"github.com/jdziat/durable-research/pkg/service"
)

// Jobs is the job service the API fronts. *service.Service satisfies it.
type Jobs interface {
	CreateJob(ctx context.Context, req service.CreateRequest) (*core.Job, error)
	Get(ctx context.Context, jobID string) (*core.Job, error)
	List(ctx context.Context, userID string, limit int) ([]*core.Job, error)
	Cancel(ctx context.Context, jobID string) (*core.Job, error)
	Usage(ctx context.Context, userID string) (quota.Usage, error)
}

// Clarifications receives answers to clarification questions.
// *clarify.Gate satisfies it.
type Clarifications interface {
	HandleCallback(ctx context.Context, channelID, data string) (*core.Job, error)
	HandleText(ctx context.Context, channelID, text string) (*core.Job, error)
}

// Server holds the HTTP handlers.
type Server struct {
	jobs    Jobs
	clarify Clarifications
	logger  *slog.Logger
}

// NewServer creates a server. logger may be nil.
func NewServer(jobs Jobs, clarify Clarifications, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{jobs: jobs, clarify: clarify, logger: logger}
}

// Router builds the gin engine serving every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/jobs", s.createJob)
		v1.GET("/jobs/:id", s.getJob)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
		v1.GET("/users/:id/jobs", s.listJobs)
		v1.GET("/users/:id/quota", s.getQuota)
		v1.POST("/clarifications/callback", s.callback)
		v1.POST("/clarifications/reply", s.reply)
	}
	return r
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) createJob(c *gin.Context) {
	var req service.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(job))
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

func (s *Server) cancelJob(c *gin.Context) {
	job, err := s.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := s.jobs.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *Server) getQuota(c *gin.Context) {
	usage, err := s.jobs.Usage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": usage, "remaining": usage.Remaining()})
}

type callbackRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	Data      string `json:"data" binding:"required"`
}

func (s *Server) callback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.clarify.HandleCallback(c.Request.Context(), req.ChannelID, req.Data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

type replyRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

func (s *Server) reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.clarify.HandleText(c.Request.Context(), req.ChannelID, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}
