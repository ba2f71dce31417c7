package api

import (
	"net/http"

	_ "go-etl-engine/internal/api/docs" // registers the swagger spec
	"go-etl-engine/internal/api/handler"
	"go-etl-engine/internal/telemetry"
	"go-etl-engine/pkg/router"

	httpSwagger "github.com/swaggo/http-swagger"
)

func RegisterRoutes(r *router.Router, h *handler.Handler, metrics *telemetry.Metrics) {
	r.POST("/api/v1/pipelines", h.CreatePipeline)
	r.GET("/api/v1/pipelines", h.ListPipelines)
	// More specific routes first
	r.GET("/api/v1/pipelines/*/errors", h.GetPipelineErrors)
	r.GET("/api/v1/pipelines/*/metrics", h.GetPipelineMetrics)
	r.GET("/api/v1/pipelines/*/progress", h.GetPipelineProgress)
	r.POST("/api/v1/pipelines/*/retry", h.RetryPipeline)
	// Generic pipeline route last
	r.GET("/api/v1/pipelines/*", h.GetPipeline)

	r.GET("/api/v1/usage/*", h.GetUsage)
	r.POST("/api/v1/agents/*/execute", h.ExecuteAgent)
	r.GET("/api/v1/download/*/*", h.DownloadOutput)

	if metrics != nil {
		r.Handle(http.MethodGet, "/metrics", metrics.Handler())
	}
	r.Handle(http.MethodGet, "/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
