package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jimyag/jsm/pkg/smerror"
)

// validatable 参数实现 IsValid 时，绑定后会调用它
type validatable interface {
	IsValid() error
}

// bind 绑定并校验参数，失败时已经写好 400 响应
func bind[T any](ctx *gin.Context) (*T, bool) {
	args := new(T)
	if err := bindArgs(ctx, args); err != nil {
		renderError(ctx, http.StatusBadRequest, smerror.Wrap(smerror.CodeInvalidArgument, err.Error(), err))
		return nil, false
	}
	if v, ok := any(args).(validatable); ok {
		if err := v.IsValid(); err != nil {
			renderError(ctx, http.StatusBadRequest, err)
			return nil, false
		}
	}
	return args, true
}

func respond[T any](ctx *gin.Context, result T, err error) {
	if err != nil {
		renderError(ctx, http.StatusInternalServerError, err)
		return
	}
	renderResponse(ctx, result)
}

// Adapt3 无参数，返回结果和 error
func Adapt3[T any](fn func(*gin.Context) (T, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		result, err := fn(ctx)
		respond(ctx, result, err)
	}
}

// Adapt4 有参数，只返回 error，成功时响应 204
func Adapt4[T any](fn func(*gin.Context, *T) error) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		args, ok := bind[T](ctx)
		if !ok {
			return
		}
		if err := fn(ctx, args); err != nil {
			renderError(ctx, http.StatusInternalServerError, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

// Adapt5 有参数，返回结果和 error
func Adapt5[TArgs any, TResp any](fn func(*gin.Context, *TArgs) (TResp, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		args, ok := bind[TArgs](ctx)
		if !ok {
			return
		}
		result, err := fn(ctx, args)
		respond(ctx, result, err)
	}
}
