package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/trananhvu/authgate/internal/auth"
	"github.com/trananhvu/authgate/internal/handlers"
	"github.com/trananhvu/authgate/internal/middleware"
	"github.com/trananhvu/authgate/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers the auth routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, auth *services.AuthService) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Health endpoint (public)
	r.GET("/health", handlers.Health())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(db, auth)

	// Public auth routes
	public := r.Group("/api/auth")
	{
		public.POST("/signup", authHandler.Signup)
		public.POST("/verify-email", authHandler.VerifyEmail)
		public.POST("/resend-verification", authHandler.ResendVerification)
		public.POST("/signin", authHandler.Signin)
		public.POST("/refresh", authHandler.Refresh)
		public.POST("/forgot-password", authHandler.ForgotPassword)
		public.POST("/reset-password", authHandler.ResetPassword)
	}

	// Authenticated auth routes
	protected := r.Group("/api/auth")
	protected.Use(middleware.Auth(jwt))
	{
		protected.GET("/me", authHandler.Me)
		protected.POST("/change-password", authHandler.ChangePassword)
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
