// README: Base handler utilities (JSON helpers, error mapping, request validation).
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/emergency"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the UUIDs produced by types.NewID.
func isValidID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" failed "+fe.Tag())
		}
		writeError(c, http.StatusBadRequest, "invalid request: "+strings.Join(fields, ", "))
		return
	}
	writeError(c, http.StatusBadRequest, "invalid json")
}

// writeDispatchError maps service errors to status codes. Unknown errors are
// attached to the context so the logging middleware records them.
func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, activity.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNotAssigned):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrInvalidCredentials):
		writeError(c, http.StatusUnauthorized, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

var registerOnce sync.Once

// RegisterValidators adds the custom binding rules to gin's validator engine.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("bloodtype", func(fl validator.FieldLevel) bool {
			return emergency.ValidBloodType(strings.ToUpper(fl.Field().String()))
		})
	})
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
