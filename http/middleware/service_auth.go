package middlewares

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inkforge/inkforge-orchestrator/config"
	"github.com/inkforge/inkforge-orchestrator/utils"
)

const (
	// TimestampTolerance is the maximum allowed time difference in seconds
	TimestampTolerance = 300
)

// ServiceAuthMiddleware authenticates machine-to-machine calls (tick,
// kick) with an HMAC signature over the shared service secret. These
// endpoints are invoked by the dispatcher's consumer loop, the sweep
// and operators, never by end-user sessions.
//
// Expected header: Authorization: HMAC <timestamp>:<signature>
// where signature = HMAC-SHA256(secret, METHOD\nPATH\nTIMESTAMP\nSHA256(body)).
func ServiceAuthMiddleware(cfg *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.ServiceSecret == "" {
			utils.JSON401(c, "Service authentication is not configured")
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "HMAC ") {
			utils.JSON401(c, "HMAC authorization is required")
			c.Abort()
			return
		}

		payload := strings.TrimPrefix(authHeader, "HMAC ")
		parts := strings.SplitN(payload, ":", 2)
		if len(parts) != 2 {
			utils.JSON401(c, "Malformed HMAC authorization header")
			c.Abort()
			return
		}

		timestamp, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			utils.JSON401(c, "Malformed HMAC timestamp")
			c.Abort()
			return
		}
		if utils.Abs(time.Now().Unix()-timestamp) > TimestampTolerance {
			utils.JSON401(c, "HMAC timestamp outside tolerance")
			c.Abort()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			utils.JSON400(c, "Failed to read request body")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		stringToSign := utils.BuildStringToSign(
			c.Request.Method,
			c.Request.URL.Path,
			timestamp,
			utils.HashBodySHA256(body),
		)
		expected := utils.ComputeHMACSHA256(cfg.ServiceSecret, stringToSign)

		if !utils.SecureCompare(expected, parts[1]) {
			utils.JSON401(c, "Invalid HMAC signature")
			c.Abort()
			return
		}

		c.Next()
	}
}
