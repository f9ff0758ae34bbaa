package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// bindArgs 绑定请求参数到 args
//
// 有 body 时按 Content-Type 解码（JSON 或 XML），并记住编码供响应使用，
// URI 和 query 参数只做补充；没有 body 时从 URI 和 query 参数绑定。
// binding 标签的校验由最后一次成功的绑定完成。
func bindArgs(ctx *gin.Context, args any) error {
	if hasBody(ctx.Request) {
		f := requestFormat(ctx)
		ctx.Set(formatKey, f)

		var b binding.BindingBody = binding.JSON
		if f == formatXML {
			b = binding.XML
		}
		if err := ctx.ShouldBindWith(args, b); err != nil {
			return err
		}
		if len(ctx.Params) > 0 {
			_ = ctx.ShouldBindUri(args)
		}
		_ = ctx.ShouldBindQuery(args)
		return nil
	}

	if len(ctx.Params) > 0 {
		_ = ctx.ShouldBindUri(args)
	}
	return ctx.ShouldBindQuery(args)
}
