package ginx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jimyag/jsm/pkg/smerror"
)

// plainError 错误链中没有 *smerror.Error 时的响应体
type plainError struct {
	Error     string `json:"error"     xml:"Error"`
	RequestID string `json:"requestID" xml:"RequestID"`
}

type scalar struct {
	Value any `json:"value" xml:"Value"`
}

func write(ctx *gin.Context, status int, body any) {
	if responseFormat(ctx) == formatXML {
		ctx.XML(status, body)
		return
	}
	ctx.JSON(status, body)
}

// renderResponse 按请求的编码写出结果，string 原样输出，其他基本类型包一层 value
func renderResponse(ctx *gin.Context, response any) {
	switch v := response.(type) {
	case nil:
		ctx.Status(http.StatusNoContent)
	case string:
		ctx.String(http.StatusOK, v)
	case bool, int, int32, int64, uint, uint32, uint64, float64:
		write(ctx, http.StatusOK, scalar{Value: v})
	default:
		write(ctx, http.StatusOK, response)
	}
}

// toErrorResponse 从错误链中取出 *smerror.ErrorResponse 或 *smerror.Error
// 外层有包装时，消息使用完整的错误链
func toErrorResponse(ctx *gin.Context, err error) (*smerror.ErrorResponse, int) {
	var resp *smerror.ErrorResponse
	if errors.As(err, &resp) {
		status := http.StatusInternalServerError
		if len(resp.Errors) > 0 && resp.Errors[0].HTTPStatus > 0 {
			status = resp.Errors[0].HTTPStatus
		}
		if resp.RequestID == "" {
			resp.RequestID = RequestID(ctx)
		}
		return resp, status
	}

	var smErr *smerror.Error
	if !errors.As(err, &smErr) {
		return nil, 0
	}
	e := *smErr
	if err != error(smErr) {
		e.Message = err.Error()
	}
	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return smerror.NewErrorResponse(RequestID(ctx), &e), status
}

// renderError 写出错误响应，fallback 是错误链中没有状态码时使用的状态码
func renderError(ctx *gin.Context, fallback int, err error) {
	if resp, status := toErrorResponse(ctx, err); resp != nil {
		write(ctx, status, resp)
		return
	}
	write(ctx, fallback, plainError{Error: err.Error(), RequestID: RequestID(ctx)})
}
