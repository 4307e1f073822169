package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/fopgate/fopgate/internal/model"
	"github.com/fopgate/fopgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ContextAuditEvent = "audit_event"

// bodyLogWriter 包装 ResponseWriter 以捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// AuditMiddleware 把每个 HTTP 请求作为一条 http_request 审计事件异步落盘。
// 业务事件(拒单、halt 拦截等)由 service 层单独 Emit,不走这里。
func AuditMiddleware(auditSvc *service.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.New().String()
		c.Header("X-Request-ID", reqID)

		// 读取请求体并写回,后续 Bind 仍可用
		var reqBodyBytes []byte
		if c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		event := &model.AuditEvent{
			Timestamp: start,
			EventType: "http_request",
			Details: map[string]any{
				"request_id": reqID,
				"method":     c.Request.Method,
				"path":       c.Request.URL.Path,
				"ip":         c.ClientIP(),
				"user_agent": c.Request.UserAgent(),
			},
		}
		c.Set(ContextAuditEvent, event)

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if tenantVal, exists := c.Get(ContextTenantKey); exists {
			event.ClientID = tenantVal.(*model.Tenant).ID
		}

		event.Details["request_body"] = redactAuditBody(c.Request.URL.Path, reqBodyBytes)
		event.Details["status_code"] = c.Writer.Status()
		event.Details["response_body"] = redactAuditBody(c.Request.URL.Path, blw.body.Bytes())
		event.Details["latency_ms"] = time.Since(start).Milliseconds()

		auditSvc.Log(event)
	}
}

// AddAuditContext 辅助函数:Handler/Service 向当前请求的审计事件附加业务字段
func AddAuditContext(c *gin.Context, key string, value interface{}) {
	if val, exists := c.Get(ContextAuditEvent); exists {
		if event, ok := val.(*model.AuditEvent); ok {
			event.Details[key] = value
		}
	}
}

func redactAuditBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !isSensitivePath(path) {
		return string(body)
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func isSensitivePath(path string) bool {
	switch {
	case strings.HasPrefix(path, "/v1/tenants"):
		return true
	case strings.HasPrefix(path, "/v1/orders"):
		return true
	case strings.HasPrefix(path, "/v1/admin"):
		return true
	default:
		return false
	}
}

func redactJSON(body []byte) ([]byte, bool) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *interface{}) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []interface{}:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "api_key",
		"api_secret",
		"access_key",
		"broker_account",
		"account_id",
		"admin_key",
		"password",
		"token":
		return true
	default:
		return false
	}
}
