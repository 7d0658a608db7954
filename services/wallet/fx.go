package wallet

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("wallet.service",
	fx.Provide(NewService),
	fx.Invoke(migrate),
)

var Routes = fx.Module("wallet.routes",
	fx.Invoke(registerRoutes),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &LedgerEntry{}, &AdDailyStats{})
}

func registerRoutes(engine *gin.Engine, service *Service) {
	v1 := engine.Group("/v1/wallets/:account_id")
	v1.POST("/award", service.handleAward)
	v1.POST("/redeem", service.handleRedeem)
	v1.GET("/balance", service.handleGetBalance)
	v1.GET("/transactions", service.handleListTransactions)
	v1.GET("/chain/verify", service.handleVerifyChain)
}
