package billing

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"madrasa-backend/common"
	"madrasa-backend/sections"
	"madrasa-backend/sections/common/auth"
	"madrasa-backend/storage"

	"github.com/gin-gonic/gin"
)

// Handler exposes the billing HTTP surface: checkout creation, the
// registration link endpoint, trial status, and the internal retry hook.
type Handler struct {
	logger       *slog.Logger
	deps         *sections.Dependencies
	mosques      MosqueStore
	registration *RegistrationLinker
	trial        *TrialService
}

func NewHandler(deps *sections.Dependencies, mosques MosqueStore, registration *RegistrationLinker, trial *TrialService) *Handler {
	return &Handler{
		logger:       slog.With("handler", "BillingHandler"),
		deps:         deps,
		mosques:      mosques,
		registration: registration,
		trial:        trial,
	}
}

// CheckoutRequest starts a subscription checkout. Email is optional; when the
// caller is authenticated the mosque id is taken from the JWT instead.
type CheckoutRequest struct {
	PlanID string `json:"planId" binding:"required"`
	Email  string `json:"email" binding:"omitempty,email"`
}

// CheckoutResponse carries the redirect URL and the tracking id the frontend
// must echo back at registration.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	SessionID   string `json:"sessionId"`
	TrackingID  string `json:"trackingId"`
}

// CreateCheckout creates a checkout session with correlation metadata. The
// tracking id is minted here and parked in Redis so registration can prove it
// came from this checkout.
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	planID, err := common.ParsePlanType(req.PlanID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown plan"})
		return
	}

	trackingID := common.RandomID()
	metadata := map[string]string{MetaTrackingID: trackingID}

	ref := &storage.TrackingRef{
		TrackingID: trackingID,
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		PlanID:     string(planID),
		CreatedAt:  time.Now(),
	}

	// An authenticated caller is upgrading an existing mosque; embed the
	// mosque id so the webhook can link without guessing.
	customerID := ""
	if claims, ok := auth.GetClaimsFromContext(c); ok && claims.MosqueSchema != "" {
		mosque, err := h.mosques.GetBySchema(c.Request.Context(), claims.MosqueSchema)
		if err != nil {
			h.logger.Error("Failed to load mosque for checkout", "schema", claims.MosqueSchema, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create checkout"})
			return
		}
		metadata[MetaMosqueID] = mosqueIDString(mosque.ID)
		ref.MosqueID = mosque.ID
		if ref.Email == "" {
			ref.Email = mosque.ContactEmail
		}
		if mosque.StripeCustomerID != nil {
			customerID = *mosque.StripeCustomerID
		} else if ref.Email != "" {
			// Reuse or mint the Stripe customer up front so subscription
			// events carry a stable customer id. Falls back to an
			// email-keyed session when Stripe is unreachable.
			cust, custErr := h.deps.Stripe.GetOrCreateCustomer(c.Request.Context(), ref.Email, mosque.Name, metadata)
			if custErr != nil {
				h.logger.Warn("Failed to prepare Stripe customer", "mosque_id", mosque.ID, "error", custErr)
			} else {
				customerID = cust.ID
			}
		}
	}

	sess, err := h.deps.Stripe.CreateCheckoutSessionForPlan(c.Request.Context(), ref.Email, customerID, planID, metadata)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create checkout session"})
		return
	}

	if err := h.deps.Redis.SaveTrackingRef(c.Request.Context(), ref, common.DEFAULT_PENDING_PAYMENT_TTL); err != nil {
		// Tracking refs are an aid, not a requirement; resolution still works
		// off the payment row.
		h.logger.Warn("Failed to save tracking ref", "tracking_id", trackingID, "error", err)
	}

	c.JSON(http.StatusOK, common.ApiResponse[CheckoutResponse]{
		Success: true,
		Data: CheckoutResponse{
			CheckoutURL: sess.URL,
			SessionID:   sess.ID,
			TrackingID:  trackingID,
		},
	})
}

// LinkRequest is the registration-completion payload: whatever correlation
// identifiers the frontend still holds from the checkout redirect.
type LinkRequest struct {
	TrackingID string `json:"trackingId"`
	SessionID  string `json:"sessionId"`
}

// LinkRegistration attempts to associate a pending payment with the caller's
// mosque. A miss is a 200 with retryEnqueued set, not an error.
func (h *Handler) LinkRegistration(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, ok := auth.GetClaimsFromContext(c)
	if !ok || claims.MosqueSchema == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no mosque associated with this account"})
		return
	}

	mosque, err := h.mosques.GetBySchema(c.Request.Context(), claims.MosqueSchema)
	if err != nil {
		h.logger.Error("Failed to load mosque for link", "schema", claims.MosqueSchema, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link payment"})
		return
	}

	outcome, err := h.registration.LinkAtRegistration(c.Request.Context(), RegistrationLink{
		MosqueID:   mosque.ID,
		AdminEmail: claims.Email,
		TrackingID: req.TrackingID,
		SessionID:  req.SessionID,
	})
	if err != nil {
		h.logger.Error("Registration link failed", "mosque_id", mosque.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link payment"})
		return
	}

	c.JSON(http.StatusOK, common.ApiResponse[LinkOutcome]{Success: true, Data: *outcome})
}

// CancelSubscription asks the payment processor to cancel the caller's
// subscription at period end. Local state flips when the processor delivers
// the subscription-deleted event.
func (h *Handler) CancelSubscription(c *gin.Context) {
	claims, ok := auth.GetClaimsFromContext(c)
	if !ok || claims.MosqueSchema == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no mosque associated with this account"})
		return
	}

	mosque, err := h.mosques.GetBySchema(c.Request.Context(), claims.MosqueSchema)
	if err != nil {
		h.logger.Error("Failed to load mosque for cancel", "schema", claims.MosqueSchema, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel subscription"})
		return
	}

	if mosque.StripeSubscriptionID == nil || *mosque.StripeSubscriptionID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no active subscription to cancel"})
		return
	}

	if _, err := h.deps.Stripe.CancelSubscription(c.Request.Context(), *mosque.StripeSubscriptionID, true); err != nil {
		h.logger.Error("Failed to cancel subscription", "mosque_id", mosque.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel subscription"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"canceled": true})
}

// TrialStatus reports subscription state and resource headroom for the
// caller's mosque.
func (h *Handler) TrialStatus(c *gin.Context) {
	schema, ok := auth.GetMosqueIDFromContext(c)
	if !ok {
		if s, okClaims := auth.GetMosqueSchemaFromContext(c); okClaims && s != "" {
			schema = s
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mosque ID is required"})
			return
		}
	}

	status, err := h.trial.Status(c.Request.Context(), schema)
	if err != nil {
		h.logger.Error("Failed to load trial status", "mosque", schema, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription status"})
		return
	}

	c.JSON(http.StatusOK, common.ApiResponse[*TrialStatus]{Success: true, Data: status})
}

// RetryEnqueueRequest is the internal payload for manually scheduling a
// relink attempt.
type RetryEnqueueRequest struct {
	MosqueID   uint   `json:"mosqueId" binding:"required"`
	TrackingID string `json:"trackingId"`
	SessionID  string `json:"sessionId"`
	AdminEmail string `json:"adminEmail"`
}

// EnqueueRetry lets operators (or the registration service) schedule a
// deferred relink for a mosque. Protected by the internal API key.
func (h *Handler) EnqueueRetry(c *gin.Context) {
	var req RetryEnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.registration.EnqueueRetry(c.Request.Context(), RegistrationLink{
		MosqueID:   req.MosqueID,
		AdminEmail: req.AdminEmail,
		TrackingID: req.TrackingID,
		SessionID:  req.SessionID,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue retry", "mosque_id", req.MosqueID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue retry"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
}

func mosqueIDString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
