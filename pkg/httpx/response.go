package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WriteData 成功响应
func WriteData(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"data":    data,
	})
}

// WriteError 错误响应
func WriteError(c *gin.Context, status int, err string) {
	c.JSON(status, gin.H{
		"error": err,
	})
}
