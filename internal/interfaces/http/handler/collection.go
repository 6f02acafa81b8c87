package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/logger"
	"github.com/erp/fleetsync/internal/interfaces/http/dto"
	"github.com/erp/fleetsync/internal/interfaces/http/middleware"
)

// CollectionService is the part of the sync service the REST handlers use.
type CollectionService interface {
	Fetch(ctx context.Context, key record.CollectionKey, caller record.Caller) (*reconcile.Result, error)
	Save(ctx context.Context, key record.CollectionKey, caller record.Caller, r record.Record) (record.CachedRecord, error)
	Delete(ctx context.Context, key record.CollectionKey, caller record.Caller, id string) error
}

// CollectionHandler serves reconciled collections.
type CollectionHandler struct {
	BaseHandler
	service CollectionService
}

// NewCollectionHandler creates a new CollectionHandler
func NewCollectionHandler(service CollectionService) *CollectionHandler {
	return &CollectionHandler{service: service}
}

// Get reconciles the collection and returns the merged view.
//
//	GET /collections/:collection/:type?evicted=true
//
// A remote failure still answers 200 with the cached view and degraded set.
//
// @Summary      Get reconciled collection
// @Description  Reconcile the local cache with the remote store and return the merged records
// @Tags         collections
// @Produce      json
// @Param        collection path string true "Collection name"
// @Param        type path string true "Record type"
// @Param        evicted query bool false "Include evicted records"
// @Param        X-Tenant-ID header string false "Tenant ID"
// @Param        X-User-ID header string false "User ID"
// @Success      200 {object} dto.Response{data=dto.CollectionResponse}
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      503 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      507 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /collections/{collection}/{type} [get]
func (h *CollectionHandler) Get(c *gin.Context) {
	var path dto.CollectionPath
	if err := c.ShouldBindUri(&path); err != nil {
		h.BindError(c, err)
		return
	}
	var query dto.FetchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.BindError(c, err)
		return
	}

	res, err := h.service.Fetch(c.Request.Context(), path.Key(), middleware.GetCaller(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewCollectionResponse(res, query.Evicted))
}

// Save stores one record.
//
//	POST /collections/:collection/:type
//
// The body is the record as a JSON object. A record that reached the local
// cache but not the remote store answers 202 with REMOTE_UNAVAILABLE.
//
// @Summary      Save record
// @Description  Store one record locally as pending and write it to the remote store
// @Tags         collections
// @Accept       json
// @Produce      json
// @Param        collection path string true "Collection name"
// @Param        type path string true "Record type"
// @Param        X-Tenant-ID header string false "Tenant ID"
// @Param        X-User-ID header string false "User ID"
// @Param        request body object true "Record fields"
// @Success      201 {object} dto.Response{data=record.CachedRecord}
// @Success      202 {object} dto.Response{data=record.CachedRecord,error=dto.ErrorInfo}
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      409 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      503 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /collections/{collection}/{type} [post]
func (h *CollectionHandler) Save(c *gin.Context) {
	var path dto.CollectionPath
	if err := c.ShouldBindUri(&path); err != nil {
		h.BindError(c, err)
		return
	}
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		h.BindError(c, err)
		return
	}
	if len(body) == 0 {
		h.BadRequest(c, "Record body is empty")
		return
	}

	saved, err := h.service.Save(c.Request.Context(), path.Key(), middleware.GetCaller(c), record.FromMap(body))
	switch {
	case err == nil:
		h.Created(c, saved)
	case errors.Is(err, record.ErrRemoteUnavailable) && saved.Record.ID != "":
		logger.L(c.Request.Context()).Info("Record kept locally pending remote sync",
			zap.String("key", path.Key().String()),
			zap.String("id", saved.Record.ID))
		_, info := dto.ErrorInfoFor(err)
		c.JSON(http.StatusAccepted, dto.NewAcceptedResponse(saved, info.Code, info.Message, getRequestID(c)))
	default:
		h.HandleError(c, err)
	}
}

// Delete removes one record.
//
//	DELETE /collections/:collection/:type/:id
//
// @Summary      Delete record
// @Tags         collections
// @Produce      json
// @Param        collection path string true "Collection name"
// @Param        type path string true "Record type"
// @Param        id path string true "Record ID"
// @Param        X-Tenant-ID header string false "Tenant ID"
// @Param        X-User-ID header string false "User ID"
// @Success      204 "No Content"
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      503 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /collections/{collection}/{type}/{id} [delete]
func (h *CollectionHandler) Delete(c *gin.Context) {
	var path dto.RecordPath
	if err := c.ShouldBindUri(&path); err != nil {
		h.BindError(c, err)
		return
	}
	if err := h.service.Delete(c.Request.Context(), path.Key(), middleware.GetCaller(c), path.ID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}
