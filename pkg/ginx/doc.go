// Package ginx 提供 gin 框架的 handler 适配器，支持自动参数绑定和响应处理
//
// 支持 JSON 和 XML 格式：
//   - 默认使用 JSON 格式
//   - 如果请求的 Content-Type 包含 "application/xml" 或 "text/xml"，则使用 XML 解析请求
//   - 如果使用 XML 解析请求，响应也会使用 XML 格式
//   - 错误响应也会根据请求格式自动选择 JSON 或 XML
//
// 错误链中的 *smerror.Error 决定响应的状态码，响应体是 smerror.ErrorResponse。
// 参数绑定失败返回 InvalidArgument。
//
// 支持的 handler 函数签名：
//
//	// Adapt5: 有参数，有返回值，有 error
//	func(c *gin.Context, args *Args) (resp, error)
//
//	// Adapt4: 有参数，只有 error
//	func(c *gin.Context, args *Args) error
//
//	// Adapt3: 无参数，有返回值，有 error
//	func(c *gin.Context) (resp, error)
//
// 使用示例：
//
//	engine := gin.New()
//	engine.ContextWithFallback = true
//	engine.Use(ginx.RequestLogger(log.Logger))
//
//	engine.POST("/api/sr/attach", ginx.Adapt5(func(c *gin.Context, args *entity.SRRef) (*entity.SRResponse, error) {
//	    return &entity.SRResponse{...}, nil
//	}))
package ginx
