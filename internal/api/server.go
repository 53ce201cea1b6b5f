// Package api exposes the administration HTTP API: CRUD over filter and
// source configuration and a view of recent processed records. It is a thin
// wrapper over storage with no pipeline coupling.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"postfilter/internal/model"
	"postfilter/internal/storage"
)

// Server serves the admin API.
type Server struct {
	store storage.Storage
	log   *slog.Logger
}

// NewServer creates a Server over the given storage.
func NewServer(store storage.Storage, log *slog.Logger) *Server {
	return &Server{store: store, log: log}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/filters", s.listFilters)
		apiGroup.GET("/filters/:id", s.getFilter)
		apiGroup.PUT("/filters/:id", s.putFilter)
		apiGroup.DELETE("/filters/:id", s.deleteFilter)

		apiGroup.GET("/sources", s.listSources)
		apiGroup.POST("/sources", s.postSource)
		apiGroup.DELETE("/sources/:id", s.deleteSource)

		apiGroup.GET("/processed", s.listProcessed)
	}
	return r
}

// Run serves the API until the listener fails.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type filterDTO struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Prompt     string   `json:"prompt"`
	Categories []string `json:"categories"`
	Threshold  float64  `json:"threshold"`
	Enabled    bool     `json:"enabled"`
}

type sourceDTO struct {
	ID       int64    `json:"id,omitempty"`
	Type     string   `json:"type"`
	SourceID string   `json:"source_id"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Filters  []string `json:"filters"`
}

func (s *Server) listFilters(c *gin.Context) {
	filters, err := s.store.ListFilters(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]filterDTO, 0, len(filters))
	for _, f := range filters {
		out = append(out, toFilterDTO(f))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getFilter(c *gin.Context) {
	f, err := s.store.GetFilter(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "filter not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toFilterDTO(*f))
}

func (s *Server) putFilter(c *gin.Context) {
	var dto filterDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := model.Filter{
		ID:         c.Param("id"),
		Name:       dto.Name,
		Prompt:     dto.Prompt,
		Categories: dto.Categories,
		Threshold:  dto.Threshold,
		Enabled:    dto.Enabled,
	}
	if f.Threshold < 0 || f.Threshold > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be in [0,1]"})
		return
	}
	if err := s.store.UpsertFilter(c.Request.Context(), &f); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toFilterDTO(f))
}

func (s *Server) deleteFilter(c *gin.Context) {
	if err := s.store.DeleteFilter(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSources(c *gin.Context) {
	sources, err := s.store.ListSources(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]sourceDTO, 0, len(sources))
	for _, src := range sources {
		out = append(out, toSourceDTO(src))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) postSource(c *gin.Context) {
	var dto sourceDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ := model.SourceType(dto.Type)
	if typ != model.SourceTelegram && typ != model.SourceVK {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be telegram or vk"})
		return
	}
	if dto.SourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id is required"})
		return
	}
	src := model.Source{
		Type:     typ,
		SourceID: dto.SourceID,
		Name:     dto.Name,
		Enabled:  dto.Enabled,
	}
	if err := s.store.UpsertSource(c.Request.Context(), &src, dto.Filters); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSourceDTO(src))
}

func (s *Server) deleteSource(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid source id"})
		return
	}
	if err := s.store.DeleteSource(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProcessed(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in 1..500"})
			return
		}
		limit = n
	}
	records, err := s.store.ListProcessed(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	type processedDTO struct {
		SourceType   string    `json:"source_type"`
		SourceID     string    `json:"source_id"`
		PostID       string    `json:"post_id"`
		FilterID     string    `json:"filter_id,omitempty"`
		Category     string    `json:"category,omitempty"`
		Confidence   float64   `json:"confidence,omitempty"`
		WasForwarded bool      `json:"was_forwarded"`
		ProcessedAt  time.Time `json:"processed_at"`
	}
	out := make([]processedDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, processedDTO{
			SourceType:   string(rec.SourceType),
			SourceID:     rec.SourceID,
			PostID:       rec.PostID,
			FilterID:     rec.FilterID,
			Category:     rec.Category,
			Confidence:   rec.Confidence,
			WasForwarded: rec.WasForwarded,
			ProcessedAt:  rec.ProcessedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error("api request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func toFilterDTO(f model.Filter) filterDTO {
	return filterDTO{
		ID:         f.ID,
		Name:       f.Name,
		Prompt:     f.Prompt,
		Categories: f.Categories,
		Threshold:  f.Threshold,
		Enabled:    f.Enabled,
	}
}

func toSourceDTO(src model.Source) sourceDTO {
	filters := make([]string, 0, len(src.Filters))
	for _, f := range src.Filters {
		filters = append(filters, f.ID)
	}
	return sourceDTO{
		ID:       src.ID,
		Type:     string(src.Type),
		SourceID: src.SourceID,
		Name:     src.Name,
		Enabled:  src.Enabled,
		Filters:  filters,
	}
}
