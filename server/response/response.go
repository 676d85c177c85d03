package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	errs "github.com/techagentng/expertchat/errors"
)

// JSON writes the standard envelope. err, when set, is reported in the taxonomy form.
func JSON(c *gin.Context, message string, status int, data interface{}, err error) {
	var errData interface{}
	if err != nil {
		errData = errs.As(err)
	}
	c.JSON(status, gin.H{
		"message":   message,
		"data":      data,
		"errors":    errData,
		"status":    http.StatusText(status),
		"timestamp": time.Now().Format(time.RFC850),
	})
}

// Error writes err with the status its class implies.
func Error(c *gin.Context, err error) {
	e := errs.As(err)
	JSON(c, e.Message, e.Status, nil, e)
}
