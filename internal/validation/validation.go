// Package validation checks guest and staff input before anything is
// persisted.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/models"
)

const (
	maxLinesPerOrder = 20
	maxRoomLength    = 16
	maxSubmitterLen  = 100
)

var (
	validate = validator.New()
	maxPrice = decimal.RequireFromString("9999.99")
)

// ValidateRoomNumber checks a room number.
func ValidateRoomNumber(room string) error {
	if strings.TrimSpace(room) == "" {
		return models.ValidationError{
			Field:   "room_number",
			Message: "room number is required",
		}
	}
	if len(room) > maxRoomLength {
		return models.ValidationError{
			Field:   "room_number",
			Message: fmt.Sprintf("room number must be at most %d characters", maxRoomLength),
		}
	}
	return nil
}

// ValidateOrder checks the submitter and the lines of a new order.
func ValidateOrder(submittedBy string, lines []models.LineInput) error {
	if len(submittedBy) > maxSubmitterLen {
		return models.ValidationError{
			Field:   "submitted_by",
			Message: fmt.Sprintf("submitted by must be at most %d characters", maxSubmitterLen),
		}
	}
	return validateLines(lines)
}

func validateLines(lines []models.LineInput) error {
	if len(lines) == 0 {
		return models.ValidationError{
			Field:   "lines",
			Message: "lines cannot be empty",
		}
	}

	if len(lines) > maxLinesPerOrder {
		return models.ValidationError{
			Field:   "lines",
			Message: fmt.Sprintf("a maximum of %d lines is allowed", maxLinesPerOrder),
		}
	}

	for i, line := range lines {
		if err := validateLine(line, i); err != nil {
			return err
		}
	}
	return nil
}

func validateLine(line models.LineInput, index int) error {
	if err := validate.Struct(line); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return models.ValidationError{
				Field:   fmt.Sprintf("lines[%d].%s", index, jsonName(fe.Field())),
				Message: describe(fe),
			}
		}
		return models.ValidationError{Field: fmt.Sprintf("lines[%d]", index), Message: err.Error()}
	}

	if line.UnitPrice.IsNegative() {
		return models.ValidationError{
			Field:   fmt.Sprintf("lines[%d].unit_price", index),
			Message: "unit price cannot be negative",
		}
	}

	if line.UnitPrice.GreaterThan(maxPrice) {
		return models.ValidationError{
			Field:   fmt.Sprintf("lines[%d].unit_price", index),
			Message: "unit price must be less than or equal to 9999.99",
		}
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "CatalogItemReference":
		return "catalog_item_reference"
	case "Quantity":
		return "quantity"
	case "Note":
		return "note"
	default:
		return strings.ToLower(field)
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}
