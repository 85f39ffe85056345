package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/tyemirov/predicowallet/internal/payment"
	"github.com/tyemirov/predicowallet/internal/upstream"
	"go.uber.org/zap"
)

var registerTagNames sync.Once

// UseJSONFieldNames makes gin's validator report fields by their json tag.
func UseJSONFieldNames() {
	registerTagNames.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		engine.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
	})
}

// FieldErrors maps a field name to its messages.
type FieldErrors map[string][]string

// Add appends a message for field.
func (fieldErrors FieldErrors) Add(field string, message string) {
	fieldErrors[field] = append(fieldErrors[field], message)
}

// BindJSON decodes the body into target and renders the 400 validation body on failure.
func BindJSON(contextGin *gin.Context, target any) bool {
	if err := contextGin.ShouldBindJSON(target); err != nil {
		RespondValidation(contextGin, DescribeBindError(err))
		return false
	}
	return true
}

// DescribeBindError converts binding and validation failures into field errors.
func DescribeBindError(err error) FieldErrors {
	described := FieldErrors{}
	var validationErrors validator.ValidationErrors
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &validationErrors):
		for _, fieldErr := range validationErrors {
			described.Add(fieldErr.Field(), validationMessage(fieldErr))
		}
	case errors.As(err, &typeErr):
		described.Add(typeErr.Field, "input has the wrong type")
	case errors.As(err, &syntaxErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		described.Add("body", "JSON decode error")
	default:
		described.Add("body", err.Error())
	}
	return described
}

func validationMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "Field required"
	case "email":
		return "value is not a valid email address"
	case "uuid", "uuid4":
		return "Input should be a valid UUID"
	case "oneof":
		return "Input should be one of: " + fieldErr.Param()
	case "gte", "min":
		return "Input should be greater than or equal to " + fieldErr.Param()
	case "gt":
		return "Input should be greater than " + fieldErr.Param()
	case "gtefield":
		return "Input should be greater than or equal to " + fieldErr.Param()
	default:
		return "Input failed " + fieldErr.Tag() + " validation"
	}
}

// RespondValidation writes {code:400, data:[{field:[messages]}]}.
func RespondValidation(contextGin *gin.Context, fieldErrors FieldErrors) {
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"code": http.StatusBadRequest,
		"data": []FieldErrors{fieldErrors},
	})
}

// RespondUpstream passes the market server status and body through unchanged.
func RespondUpstream(contextGin *gin.Context, response *upstream.Response) {
	contextGin.Data(response.StatusCode, "application/json", response.JSON())
}

// RespondUpstreamFailure renders a transport failure. Connection errors become 503.
func RespondUpstreamFailure(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errors.Is(err, upstream.ErrConnection) {
		logger.Warn("market server unreachable", zap.String("code", code), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	logger.Error("market server request failed", zap.String("code", code), zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// RespondPaymentError writes the structured payment error with status 400.
func RespondPaymentError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	paymentErr := payment.AsError(err)
	logger.Warn("payment backend failure",
		zap.String("code", code),
		zap.String("payment_code", paymentErr.Code),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, paymentErr)
}
