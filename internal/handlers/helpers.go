package handlers

import (
	"strconv"

	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// parseID reads a numeric path parameter, writing a 400 envelope when it is not one
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// fail maps err through the error taxonomy. Internal errors are logged and not echoed.
func fail(c *gin.Context, err error) {
	if apperrors.HTTPCode(err) >= apperrors.CodeServerError && !apperrors.Is(err, apperrors.ErrUpstreamUnavailable) {
		logger.GetLogger().WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Errorf("Request failed: %v", err)
		response.ServerError(c, "internal server error")
		return
	}
	response.FromError(c, err)
}
