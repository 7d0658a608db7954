package reconcile

import (
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(NewService),
)

var Routes = fx.Module("reconcile.routes",
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("reconcile.worker",
	fx.Invoke(registerTaskHandler),
)

func registerRoutes(engine *gin.Engine, service *Service) {
	engine.POST("/v1/wallets/:account_id/reconcile", service.handleReconcile)
}

func registerTaskHandler(mux *asynq.ServeMux, service *Service) {
	mux.HandleFunc(TypeWalletReconcile, service.HandleReconcileTask)
}
