package ginx

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderRequestID 请求 ID 的 HTTP 头
const HeaderRequestID = "X-Request-ID"

const (
	formatKey    = "ginx.format"
	requestIDKey = "ginx.requestID"
)

// wireFormat 请求体和响应体的编码
type wireFormat int

const (
	formatJSON wireFormat = iota
	formatXML
)

func isXMLMediaType(v string) bool {
	return strings.Contains(v, "application/xml") || strings.Contains(v, "text/xml")
}

// requestFormat 由 Content-Type 决定请求体的编码
func requestFormat(ctx *gin.Context) wireFormat {
	if isXMLMediaType(ctx.ContentType()) {
		return formatXML
	}
	return formatJSON
}

// responseFormat 跟随请求体的编码，请求没有 body 时参考 Accept
func responseFormat(ctx *gin.Context) wireFormat {
	if v, ok := ctx.Get(formatKey); ok {
		return v.(wireFormat)
	}
	if isXMLMediaType(ctx.GetHeader("Accept")) {
		return formatXML
	}
	return formatJSON
}

// RequestID 返回 RequestLogger 分配的请求 ID
func RequestID(ctx *gin.Context) string {
	return ctx.GetString(requestIDKey)
}
