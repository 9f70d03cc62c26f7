package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/apperrors"
	"github.com/example/paygate/internal/middleware"
	"github.com/example/paygate/internal/provider"
)

// ErrorHandler is the fiber error handler. Domain errors carry their own
// HTTP mapping; everything unrecognized is a 500 with the detail kept in
// the logs, not the response.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if ae, ok := apperrors.AsApp(err); ok {
		body := fiber.Map{"message": ae.Message}
		if len(ae.Details) > 0 {
			body["errors"] = ae.Details
		}
		return c.Status(ae.HTTPStatus()).JSON(body)
	}

	if pe, ok := apperrors.AsProvider(err); ok {
		message := pe.UserMessage
		if message == "" {
			message = pe.Message
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"message": message})
	}

	if apperrors.IsConnectivity(err) {
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"message": "Payment provider is not responding."})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"message": fe.Message})
	}

	log.Printf("unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "Internal server error."})
}

// parseBody collects the request payload into a flat map regardless of
// whether the provider or partner posted JSON or a form. Query params
// fill gaps only; a posted field always wins.
func parseBody(c *fiber.Ctx) provider.Body {
	body := provider.Body{}

	contentType := string(c.Request().Header.ContentType())
	if strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
		_ = json.Unmarshal(c.Body(), &body)
	} else {
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			body[string(key)] = string(value)
		})
	}

	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		if _, ok := body[string(key)]; !ok {
			body[string(key)] = string(value)
		}
	})

	return body
}

// requirePartner checks that the authenticated partner is the partner
// addressed by the route.
func requirePartner(c *fiber.Ctx) (string, error) {
	routePartner := c.Params("partner_id")
	tokenPartner, ok := middleware.CurrentPartnerID(c)
	if !ok || tokenPartner != routePartner {
		return "", apperrors.NewAuthorization("Token does not match the requested partner.")
	}
	return routePartner, nil
}

// validationError converts validator failures into the API's field error
// shape.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.NewValidation("The given data was invalid.", nil)
	}

	details := map[string][]string{}
	for _, fe := range verrs {
		field := fe.Field()
		if fe.Tag() == "required" {
			details[field] = append(details[field], "The "+strings.ReplaceAll(field, "_", " ")+" field is required.")
			continue
		}
		details[field] = append(details[field], "The "+strings.ReplaceAll(field, "_", " ")+" field is invalid.")
	}
	return apperrors.NewValidation("The given data was invalid.", details)
}

// newValidator reports field errors under the json name, matching the
// body the partner actually sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

func writeAck(c *fiber.Ctx, ack *provider.Ack) error {
	if ack == nil {
		return c.SendStatus(fiber.StatusOK)
	}
	c.Set(fiber.HeaderContentType, ack.ContentType)
	return c.Send(ack.Body)
}
