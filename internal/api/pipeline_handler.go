package api

import (
	"io"
	"net/http"

	"github.com/shaiso/Stagehand/internal/engine"
)

// maxPipelineDocument — ограничение размера документа pipeline.
const maxPipelineDocument = 1 << 20

// ListPipelines возвращает список pipelines.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.pipelines.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]PipelineSummary, len(pipelines))
	for i := range pipelines {
		result[i] = PipelineSummaryFromDomain(&pipelines[i])
	}

	List(w, result, len(result))
}

// GetPipeline возвращает полное определение pipeline.
// GET /api/v1/pipelines/{type}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipelines.Get(r.Context(), r.PathValue("type"))
	if HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}

	Success(w, p)
}

// PutPipeline создаёт или заменяет pipeline.
// Тело — документ pipeline в YAML или JSON.
// PUT /api/v1/pipelines/{type}
func (h *Handler) PutPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineType := r.PathValue("type")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPipelineDocument+1))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return
	}
	if len(body) > maxPipelineDocument {
		BadRequest(w, "pipeline document is too large")
		return
	}

	p, err := engine.ParsePipeline(body)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if p.Type != pipelineType {
		BadRequest(w, "pipeline type in document does not match the url")
		return
	}

	if err := h.pipelines.Upsert(r.Context(), p); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	h.logger.Info("pipeline saved", "pipeline", p.Type, "stages", len(p.Stages))
	Success(w, p)
}

// DeletePipeline удаляет pipeline. Идущие runs продолжают по своему снимку.
// DELETE /api/v1/pipelines/{type}
func (h *Handler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	err := h.pipelines.Delete(r.Context(), r.PathValue("type"))
	if HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}

	NoContent(w)
}
