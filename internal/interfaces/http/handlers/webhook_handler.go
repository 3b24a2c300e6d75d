package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/interfaces/http/response"
	"anypay.backend/internal/usecases"
)

type deliveryService interface {
	HandleDeliveryNotification(ctx context.Context, n usecases.DeliveryNotification) error
	ReconcileOnce(ctx context.Context) (usecases.ReconcileResult, error)
}

type directTransferService interface {
	ConfirmDirectTransfers(ctx context.Context) (usecases.ReconcileResult, error)
}

// WebhookHandler handles bridge delivery pushes and on-demand reconciliation
type WebhookHandler struct {
	bridge deliveryService
	direct directTransferService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(bridge deliveryService, direct directTransferService) *WebhookHandler {
	return &WebhookHandler{bridge: bridge, direct: direct}
}

// HandleBridgeDelivery accepts a signed delivery notification from the bridge
// POST /api/v1/webhooks/bridge
func (h *WebhookHandler) HandleBridgeDelivery(c *gin.Context) {
	var input usecases.DeliveryNotification
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, domainerrors.BadRequest(err.Error()))
		return
	}

	if err := h.bridge.HandleDeliveryNotification(c.Request.Context(), input); err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Reconcile runs one bridge sweep and one direct-transfer sweep immediately
// POST /api/v1/admin/reconcile
func (h *WebhookHandler) Reconcile(c *gin.Context) {
	var bridgeRes, directRes usecases.ReconcileResult

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		var err error
		bridgeRes, err = h.bridge.ReconcileOnce(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		directRes, err = h.direct.ConfirmDirectTransfers(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"bridge": bridgeRes,
		"direct": directRes,
	})
}
