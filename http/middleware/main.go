package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/inkforge/inkforge-orchestrator/http/controller"
)

type Middlewares struct {
	CORSMiddleware        gin.HandlerFunc
	AuthMiddleware        gin.HandlerFunc
	ServiceAuthMiddleware gin.HandlerFunc
}

func NewMiddlewares(ctrl *controller.Controller) (*Middlewares, error) {
	cors := CORSMiddleware(ctrl.Config.EnvConfig)
	auth := AuthMiddleware(ctrl.Config.EnvConfig)
	serviceAuth := ServiceAuthMiddleware(ctrl.Config.EnvConfig)

	return &Middlewares{
		CORSMiddleware:        cors,
		AuthMiddleware:        auth,
		ServiceAuthMiddleware: serviceAuth,
	}, nil
}
