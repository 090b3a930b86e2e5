package controllers

import (
	"errors"
	"log"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/mindloop/mindloop/app/models"
	"github.com/mindloop/mindloop/internal/pkg/entitlements"
	"github.com/mindloop/mindloop/internal/pkg/payments"
	"github.com/mindloop/mindloop/internal/pkg/usercontext"
)

// PaymentsController exposes the checkout, webhook and admin surfaces of the
// payments service over HTTP.
type PaymentsController struct {
	svc      *payments.Service
	ents     entitlements.Store
	validate *validator.Validate
}

func NewPaymentsController(svc *payments.Service, ents entitlements.Store) *PaymentsController {
	return &PaymentsController{
		svc:      svc,
		ents:     ents,
		validate: validator.New(),
	}
}

// CheckoutRequest is the JSON body of POST /api/v1/checkout/session.
type CheckoutRequest struct {
	Type     string `json:"type" validate:"required,oneof=one_time subscription"`
	CourseID string `json:"courseId"`
	Tier     string `json:"tier"`
}

// HandleCreateCheckout creates a payment intent and a provider checkout
// session for the authenticated user.
func (pc *PaymentsController) HandleCreateCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_body", "message": "Request body must be valid JSON",
		})
	}
	if err := pc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "validation_failed", "message": err.Error(),
		})
	}

	// The checkout type determines the payment scope.
	scope := models.IntentScopeMembership
	if req.Type == models.IntentKindOneTime {
		scope = models.IntentScopeCourse
	}

	out, err := pc.svc.CreateCheckout(c.Context(), payments.CheckoutInput{
		UID:      userCtx.UID,
		Kind:     req.Type,
		Scope:    scope,
		CourseID: req.CourseID,
		Tier:     req.Tier,
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidInput) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "validation_failed", "message": err.Error(),
			})
		}
		log.Printf("checkout creation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Failed to create checkout session",
		})
	}

	return c.JSON(fiber.Map{"url": out.URL})
}

// HandleWebhook processes one raw delivery from the active payment provider.
// Typed pipeline errors map to fixed statuses: verification → 401,
// payload → 400, processing → 500.
func (pc *PaymentsController) HandleWebhook(c *fiber.Ctx) error {
	result, err := pc.svc.HandleWebhook(c.Body(), headerMap(c))
	if err != nil {
		return webhookErrorResponse(c, err)
	}
	return c.JSON(result)
}

func headerMap(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	for k, vals := range c.GetReqHeaders() {
		if len(vals) > 0 {
			headers[k] = vals[0]
		}
	}
	return headers
}

func webhookErrorResponse(c *fiber.Ctx, err error) error {
	var whErr *payments.WebhookError
	if errors.As(err, &whErr) {
		status := fiber.StatusInternalServerError
		switch whErr.Kind {
		case payments.ErrorKindVerification:
			status = fiber.StatusUnauthorized
		case payments.ErrorKindPayload:
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   whErr.Kind.String() + "_error",
			"message": whErr.Msg,
		})
	}
	log.Printf("webhook processing failed unexpectedly: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal_server_error", "message": "Webhook processing failed",
	})
}

// HandleAccessCheck reports whether the authenticated user may access a
// course, via a direct course grant or an unexpired membership.
func (pc *PaymentsController) HandleAccessCheck(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	courseID := c.Params("courseId")

	canAccess, err := pc.ents.CanAccess(userCtx.UID, courseID)
	if err != nil {
		log.Printf("access check failed for uid=%s course=%s: %v", userCtx.UID, courseID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Access check failed",
		})
	}
	return c.JSON(fiber.Map{"course_id": courseID, "can_access": canAccess})
}

// HandleAdminListIntents lists payment intents, filterable by uid and status.
func (pc *PaymentsController) HandleAdminListIntents(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	intents, err := pc.svc.Repo().ListIntents(c.Query("uid"), c.Query("status"), limit)
	if err != nil {
		log.Printf("intent listing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Intent listing failed",
		})
	}
	return c.JSON(fiber.Map{"intents": intents, "count": len(intents)})
}
