package management

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ibex/internal/constants"
	"ibex/internal/logger"
	"ibex/pkg/errors"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		rules := v1.Group("/rules/routing")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
			rules.POST("/:id/activate", h.ActivateRule)
			rules.POST("/:id/deactivate", h.DeactivateRule)
			rules.GET("/:id/versions", h.GetRuleVersions)
			rules.GET("/:id/audit", h.GetRuleAuditLogs)
		}

		aggregations := v1.Group("/aggregations")
		{
			aggregations.GET("/definitions", h.ListAggregationDefinitions)
			aggregations.POST("/definitions", h.CreateAggregationDefinition)
			aggregations.GET("/definitions/:key", h.GetAggregationDefinition)
			aggregations.PUT("/definitions/:key", h.UpdateAggregationDefinition)
			aggregations.DELETE("/definitions/:key", h.DeleteAggregationDefinition)
			aggregations.POST("/instances/:correlationId/:key/cancel", h.CancelAggregationInstance)
		}

		deadletters := v1.Group("/deadletters")
		{
			deadletters.GET("", h.ListDeadLetters)
			deadletters.GET("/:id", h.GetDeadLetter)
			deadletters.POST("/:id/requeue", h.RequeueDeadLetter)
			deadletters.DELETE("/:id", h.DeleteDeadLetter)
		}

		unmatched := v1.Group("/unmatched")
		{
			unmatched.GET("", h.ListUnmatched)
			unmatched.POST("/:id/review", h.MarkUnmatchedReviewed)
		}

		dedup := v1.Group("/dedup")
		{
			dedup.GET("/fields", h.GetDedupFields)
			dedup.PUT("/fields", h.UpdateDedupFields)
			dedup.GET("/stats", h.GetDedupStats)
			dedup.POST("/purge", h.PurgeDedupRecords)
		}

		audit := v1.Group("/audit")
		{
			audit.GET("/logs", h.GetAuditLogs)
		}
	}
}

// ListRules godoc
// @Summary      List all routing rules
// @Description  Get a list of all routing rules, active and inactive
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Success      200  {array}    RoutingRule
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/routing [get]
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.Service.ListRoutingRules(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule godoc
// @Summary      Create a new routing rule
// @Description  Create a new routing rule with the provided data
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        rule  body       CreateRoutingRuleRequest  true  "Routing rule data"
// @Success      201   {object}   RoutingRule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Failure      500   {object}  errors.ErrorResponse
// @Router       /rules/routing [post]
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRoutingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.CreateRoutingRule(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// GetRule godoc
// @Summary      Get a routing rule by ID
// @Description  Get a specific routing rule by its ID
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}   RoutingRule
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/routing/{id} [get]
func (h *Handler) GetRule(c *gin.Context) {
	id := c.Param("id")
	rule, err := h.Service.GetRoutingRule(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

// UpdateRule godoc
// @Summary      Update a routing rule
// @Description  Update an existing routing rule by ID, bumping its version
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id    path      string                    true  "Rule ID"
// @Param        rule  body       UpdateRoutingRuleRequest  true  "Updated rule data"
// @Success      200   {object}   RoutingRule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Failure      500   {object}  errors.ErrorResponse
// @Router       /rules/routing/{id} [put]
func (h *Handler) UpdateRule(c *gin.Context) {
	id := c.Param("id")
	var req UpdateRoutingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.UpdateRoutingRule(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

// DeleteRule godoc
// @Summary      Delete a routing rule
// @Description  Delete a routing rule by ID
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/routing/{id} [delete]
func (h *Handler) DeleteRule(c *gin.Context) {
	id := c.Param("id")
	err := h.Service.DeleteRoutingRule(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ActivateRule godoc
// @Summary      Activate a routing rule
// @Description  Mark a routing rule active so routers pick it up on the next reload
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}   RoutingRule
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/routing/{id}/activate [post]
func (h *Handler) ActivateRule(c *gin.Context) {
	h.setRuleActive(c, true)
}

// DeactivateRule godoc
// @Summary      Deactivate a routing rule
// @Description  Mark a routing rule inactive without deleting it
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}   RoutingRule
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/routing/{id}/deactivate [post]
func (h *Handler) DeactivateRule(c *gin.Context) {
	h.setRuleActive(c, false)
}

func (h *Handler) setRuleActive(c *gin.Context, active bool) {
	id := c.Param("id")
	rule, err := h.Service.SetRoutingRuleActive(c.Request.Context(), id, active)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// GetRuleVersions godoc
// @Summary      Get rule version history
// @Description  Get version history for a specific routing rule
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {array}   RuleVersion
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/routing/{id}/versions [get]
func (h *Handler) GetRuleVersions(c *gin.Context) {
	id := c.Param("id")
	versions, err := h.Service.GetRuleVersions(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// GetRuleAuditLogs godoc
// @Summary      Get audit logs for a rule
// @Description  Get audit logs for a specific routing rule
// @Tags         routing-rules
// @Accept       json
// @Produce      json
// @Param        id     path      string  true   "Rule ID"
// @Param        limit  query     int     false  "Maximum number of logs to return (1-1000)" default(100)
// @Success      200    {array}   AuditLog
// @Failure      404    {object}  errors.ErrorResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /rules/routing/{id}/audit [get]
func (h *Handler) GetRuleAuditLogs(c *gin.Context) {
	id := c.Param("id")
	limit := parseLimit(c.Query("limit"))

	logs, err := h.Service.GetAuditLogs(c.Request.Context(), &id, RuleTypeRouting, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetAuditLogs godoc
// @Summary      Get audit logs
// @Description  Get audit logs with optional filtering by rule ID and rule type
// @Tags         audit
// @Accept       json
// @Produce      json
// @Param        rule_id    query     string  false  "Filter by rule ID"
// @Param        rule_type  query     string  false  "Filter by rule type (routing, aggregation)"
// @Param        limit      query     int     false  "Maximum number of logs to return (1-1000)" default(100)
// @Success      200        {array}   AuditLog
// @Failure      500        {object}  errors.ErrorResponse
// @Router       /audit/logs [get]
func (h *Handler) GetAuditLogs(c *gin.Context) {
	ruleID := c.Query("rule_id")
	ruleType := c.Query("rule_type")
	limit := parseLimit(c.Query("limit"))

	var ruleIDPtr *string
	if ruleID != "" {
		ruleIDPtr = &ruleID
	}

	logs, err := h.Service.GetAuditLogs(c.Request.Context(), ruleIDPtr, ruleType, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// ListAggregationDefinitions godoc
// @Summary      List aggregation definitions
// @Description  Get all aggregation definitions, enabled and disabled
// @Tags         aggregations
// @Accept       json
// @Produce      json
// @Success      200  {array}    aggregation.Definition
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /aggregations/definitions [get]
func (h *Handler) ListAggregationDefinitions(c *gin.Context) {
	defs, err := h.Service.ListAggregationDefinitions(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

// CreateAggregationDefinition godoc
// @Summary      Create an aggregation definition
// @Description  Create a new aggregation definition with the provided data
// @Tags         aggregations
// @Accept       json
// @Produce      json
// @Param        definition  body       CreateAggregationDefinitionRequest  true  "Aggregation definition data"
// @Success      201         {object}   aggregation.Definition
// @Failure      400         {object}  errors.ErrorResponse
// @Failure      409         {object}  errors.ErrorResponse
// @Failure      500         {object}  errors.ErrorResponse
// @Router       /aggregations/definitions [post]
func (h *Handler) CreateAggregationDefinition(c *gin.Context) {
	var req CreateAggregationDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	def, err := h.Service.CreateAggregationDefinition(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, def)
}

// GetAggregationDefinition godoc
// @Summary      Get an aggregation definition
// @Description  Get an aggregation definition by its key
// @Tags         aggregations
// @Accept       json
// @Produce      json
// @Param        key  path      string  true  "Aggregation key"
// @Success      200  {object}   aggregation.Definition
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /aggregations/definitions/{key} [get]
func (h *Handler) GetAggregationDefinition(c *gin.Context) {
	key := c.Param("key")
	def, err := h.Service.GetAggregationDefinition(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// UpdateAggregationDefinition godoc
// @Summary      Update an aggregation definition
// @Description  Update an existing aggregation definition by key
// @Tags         aggregations
// @Accept       json
// @Produce      json
// @Param        key         path      string                              true  "Aggregation key"
// @Param        definition  body       UpdateAggregationDefinitionRequest  true  "Updated definition data"
// @Success      200         {object}   aggregation.Definition
// @Failure      400         {object}  errors.ErrorResponse
// @Failure      404         {object}  errors.ErrorResponse
// @Failure      500         {object}  errors.ErrorResponse
// @Router       /aggregations/definitions/{key} [put]
func (h *Handler) UpdateAggregationDefinition(c *gin.Context) {
	key := c.Param("key")
	var req UpdateAggregationDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	def, err := h.Service.UpdateAggregationDefinition(c.Request.Context(), key, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, def)
}

// DeleteAggregationDefinition godoc
// @Summary      Delete an aggregation definition
// @Description  Delete an aggregation definition by key
// @Tags         aggregations
// @Accept       json
// @Produce      json
// @Param        key  path      string  true  "Aggregation key"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /aggregations/definitions/{key} [delete]
func (h *Handler) DeleteAggregationDefinition(c *gin.Context) {
	key := c.Param("key")
	if err := h.Service.DeleteAggregationDefinition(c.Request.Context(), key); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelAggregationInstance godoc
// @Summary      Cancel an open aggregation instance
// @Description  Cancel the collecting instance for a correlation id and key; collected members are kept for inspection
// @Tags         aggregations
// @Accept       json
// @Produce      json
// @Param        correlationId  path      string  true  "Correlation ID"
// @Param        key            path      string  true  "Aggregation key"
// @Success      200            {object}   aggregation.Instance
// @Failure      404            {object}  errors.ErrorResponse
// @Failure      500            {object}  errors.ErrorResponse
// @Router       /aggregations/instances/{correlationId}/{key}/cancel [post]
func (h *Handler) CancelAggregationInstance(c *gin.Context) {
	correlationID := c.Param("correlationId")
	key := c.Param("key")

	inst, err := h.Service.CancelAggregationInstance(c.Request.Context(), correlationID, key)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListDeadLetters godoc
// @Summary      List dead-lettered envelopes
// @Description  Get dead-lettered envelopes with optional tenant and message type filters
// @Tags         deadletters
// @Accept       json
// @Produce      json
// @Param        tenant_id     query     string  false  "Filter by tenant ID"
// @Param        message_type  query     string  false  "Filter by message type"
// @Param        limit         query     int     false  "Maximum number of envelopes to return (1-1000)" default(100)
// @Param        offset        query     int     false  "Offset into the result set" default(0)
// @Success      200           {array}   models.Envelope
// @Failure      500           {object}  errors.ErrorResponse
// @Router       /deadletters [get]
func (h *Handler) ListDeadLetters(c *gin.Context) {
	filter := ListFilter{
		TenantID:    c.Query("tenant_id"),
		MessageType: c.Query("message_type"),
		Limit:       parseLimit(c.Query("limit")),
		Offset:      parseOffset(c.Query("offset")),
	}

	envs, err := h.Service.ListDeadLetters(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, envs)
}

// GetDeadLetter godoc
// @Summary      Inspect a dead-lettered envelope
// @Description  Get a dead-lettered envelope with its full transition history
// @Tags         deadletters
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Envelope ID"
// @Success      200  {object}   DeadLetterDetail
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /deadletters/{id} [get]
func (h *Handler) GetDeadLetter(c *gin.Context) {
	id := c.Param("id")
	detail, err := h.Service.GetDeadLetter(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// RequeueDeadLetter godoc
// @Summary      Requeue a dead-lettered envelope
// @Description  Put a dead-lettered envelope back into the retry pool with fresh counters
// @Tags         deadletters
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Envelope ID"
// @Success      200  {object}   models.Envelope
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /deadletters/{id}/requeue [post]
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	id := c.Param("id")
	env, err := h.Service.RequeueDeadLetter(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// DeleteDeadLetter godoc
// @Summary      Delete a dead-lettered envelope
// @Description  Permanently delete a dead-lettered envelope and its transition log
// @Tags         deadletters
// @Accept       json
// @Produce      json
// @Param        id   path      string  true  "Envelope ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /deadletters/{id} [delete]
func (h *Handler) DeleteDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if err := h.Service.DeleteDeadLetter(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListUnmatched godoc
// @Summary      List unmatched messages
// @Description  Get messages no routing rule matched, optionally filtered by review state
// @Tags         unmatched
// @Accept       json
// @Produce      json
// @Param        reviewed  query     bool  false  "Filter by review state"
// @Param        limit     query     int   false  "Maximum number of messages to return (1-1000)" default(100)
// @Param        offset    query     int   false  "Offset into the result set" default(0)
// @Success      200       {array}   UnmatchedMessage
// @Failure      500       {object}  errors.ErrorResponse
// @Router       /unmatched [get]
func (h *Handler) ListUnmatched(c *gin.Context) {
	var reviewed *bool
	if v := c.Query("reviewed"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
			return
		}
		reviewed = &parsed
	}

	msgs, err := h.Service.ListUnmatched(c.Request.Context(), reviewed, parseLimit(c.Query("limit")), parseOffset(c.Query("offset")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// MarkUnmatchedReviewed godoc
// @Summary      Mark an unmatched message reviewed
// @Description  Flag an unmatched message as reviewed by an operator
// @Tags         unmatched
// @Accept       json
// @Produce      json
// @Param        id   path      int  true  "Unmatched message ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /unmatched/{id}/review [post]
func (h *Handler) MarkUnmatchedReviewed(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.Service.MarkUnmatchedReviewed(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetDedupFields godoc
// @Summary      Get deduplication hash fields
// @Description  Get the field list the idempotency guard hashes for the content key
// @Tags         dedup
// @Accept       json
// @Produce      json
// @Success      200  {array}   string
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /dedup/fields [get]
func (h *Handler) GetDedupFields(c *gin.Context) {
	fields, err := h.Service.GetDedupFields(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields_to_hash": fields})
}

// UpdateDedupFields godoc
// @Summary      Update deduplication hash fields
// @Description  Update the hash field list and broadcast it to running guard instances
// @Tags         dedup
// @Accept       json
// @Produce      json
// @Param        fields  body       UpdateDedupFieldsRequest  true  "New hash field list"
// @Success      200     {array}   string
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /dedup/fields [put]
func (h *Handler) UpdateDedupFields(c *gin.Context) {
	var req UpdateDedupFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	fields, err := h.Service.UpdateDedupFields(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields_to_hash": fields})
}

// GetDedupStats godoc
// @Summary      Get deduplication statistics
// @Description  Get per tenant and message type dedup record counts
// @Tags         dedup
// @Accept       json
// @Produce      json
// @Param        tenant_id     query     string  false  "Filter by tenant ID"
// @Param        message_type  query     string  false  "Filter by message type"
// @Success      200           {array}   deduplication.StatEntry
// @Failure      500           {object}  errors.ErrorResponse
// @Router       /dedup/stats [get]
func (h *Handler) GetDedupStats(c *gin.Context) {
	stats, err := h.Service.GetDedupStats(c.Request.Context(), c.Query("tenant_id"), c.Query("message_type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// PurgeDedupRecords godoc
// @Summary      Purge expired deduplication records
// @Description  Delete dedup records whose window has elapsed and report the count
// @Tags         dedup
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]int64
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /dedup/purge [post]
func (h *Handler) PurgeDedupRecords(c *gin.Context) {
	purged, err := h.Service.PurgeDedupRecords(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}

func parseOffset(offsetStr string) int {
	if offsetStr == "" {
		return 0
	}
	parsed, err := strconv.Atoi(offsetStr)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
