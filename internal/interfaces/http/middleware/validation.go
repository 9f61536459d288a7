package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/interfaces/http/dto"
)

var setupOnce sync.Once

// SetupValidator makes gin's validator report json/form/uri field names and
// registers the sync_system and entity_kind tags used by path bindings.
func SetupValidator() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(fieldName)
		_ = v.RegisterValidation("sync_system", func(fl validator.FieldLevel) bool {
			_, err := entitysync.ParseSystem(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("entity_kind", func(fl validator.FieldLevel) bool {
			_, err := entitysync.ParseEntityKind(fl.Field().String())
			return err == nil
		})
	})
}

func fieldName(fld reflect.StructField) string {
	for _, tag := range []string{"json", "form", "uri"} {
		name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return fld.Name
}

// FormatValidationErrors turns validator errors into the 400 envelope. Other
// binding errors produce the envelope without field details.
func FormatValidationErrors(err error, requestID string) dto.Response {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return dto.NewValidationErrorResponse("request validation failed", requestID, nil)
	}
	details := make([]dto.ValidationDetail, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, dto.ValidationDetail{Field: fe.Field(), Message: validationMessage(fe)})
	}
	return dto.NewValidationErrorResponse("request validation failed", requestID, details)
}

// HandleValidationError writes the 400 validation envelope
func HandleValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, FormatValidationErrors(err, GetRequestID(c)))
}

var tagMessages = map[string]string{
	"required":    "is required",
	"uuid":        "must be a UUID",
	"sync_system": "must be crm or finance",
	"entity_kind": "must be customer or preinvoice",
	"oneof":       "must be one of: %s",
	"min":         "must be at least %s",
	"max":         "must be at most %s",
	"gte":         "must be at least %s",
	"lte":         "must be at most %s",
	"gt":          "must be greater than %s",
	"lt":          "must be less than %s",
}

func validationMessage(fe validator.FieldError) string {
	msg, ok := tagMessages[fe.Tag()]
	if !ok {
		return "is invalid"
	}
	if strings.Contains(msg, "%s") {
		msg = strings.Replace(msg, "%s", fe.Param(), 1)
		if fe.Kind() == reflect.String && (fe.Tag() == "min" || fe.Tag() == "max") {
			msg += " characters"
		}
	}
	return msg
}
