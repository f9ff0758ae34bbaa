// Package api 提供 SR/VDI 操作和对端内部请求的 HTTP 接口
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/jsm/pkg/ginx"
)

type API struct {
	engine *gin.Engine
	server *http.Server

	sr   *SR
	vdi  *VDI
	peer *Peer
}

// New 创建 API，address 为监听地址
func New(address string, srService SRServiceInterface, vdiService VDIServiceInterface, peerService PeerServiceInterface) (*API, error) {
	engine := gin.New()
	engine.ContextWithFallback = true
	engine.Use(gin.Recovery(), ginx.RequestLogger(log.Logger))

	api := &API{
		engine: engine,
		sr:     NewSR(srService),
		vdi:    NewVDI(vdiService),
		peer:   NewPeer(peerService),
	}
	group := engine.Group("/api")
	api.sr.RegisterRoutes(group)
	api.vdi.RegisterRoutes(group)
	api.peer.RegisterRoutes(&engine.RouterGroup)
	engine.GET("/healthz", ginx.Adapt3(func(c *gin.Context) (string, error) {
		return "ok", nil
	}))

	api.server = &http.Server{
		Addr:    address,
		Handler: engine,
	}
	return api, nil
}

// Run 启动 HTTP 服务，ctx 取消时关闭
func (a *API) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		// 使用新的 context，原来的已经取消
		if err := a.server.Shutdown(context.Background()); err != nil {
			return err
		}
		return nil
	}
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Name 实现 grace.Grace 接口
func (a *API) Name() string {
	return "API Server"
}
