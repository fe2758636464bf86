package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/inkforge/inkforge-orchestrator/http/controller"
	middlewares "github.com/inkforge/inkforge-orchestrator/http/middleware"
)

func SetupRouter(ctrl *controller.Controller) *gin.Engine {
	r := gin.Default()
	middles, err := middlewares.NewMiddlewares(ctrl)
	if err != nil {
		panic(err)
	}

	apiRoutes := r.Group("/api/v1/forge")
	{
		apiRoutes.Use(middles.CORSMiddleware)

		jobRoutes := apiRoutes.Group("/jobs")
		{
			jobRoutes.Use(middles.AuthMiddleware)

			jobRoutes.POST("/", ctrl.CreateJob)
			jobRoutes.GET("/active", ctrl.GetActiveJob)
			jobRoutes.GET("/:id", ctrl.GetJob)
			jobRoutes.GET("/:id/manuscript", ctrl.GetManuscript)
		}

		// Machine-to-machine surface: consumer loop, sweep, operators.
		internalRoutes := apiRoutes.Group("/internal/jobs")
		{
			internalRoutes.Use(middles.ServiceAuthMiddleware)

			internalRoutes.POST("/:id/tick", ctrl.TickJob)
			internalRoutes.POST("/:id/kick", ctrl.KickJob)
			internalRoutes.GET("/:id/kick", ctrl.ProbeJob)
		}
	}
	return r
}
