package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func CORS(origins []string) gin.HandlerFunc {
	config := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	config.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", HeaderTenantID, HeaderIdempotencyKey, HeaderRequestID}
	config.ExposeHeaders = []string{HeaderRequestID, HeaderIdempotentReplay, "Content-Disposition"}
	config.MaxAge = 12 * time.Hour

	return cors.New(config)
}
