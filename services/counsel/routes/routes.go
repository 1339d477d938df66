// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briefwise/briefwise/pkg/extensions"
	"github.com/briefwise/briefwise/services/counsel/handlers"
	"github.com/briefwise/briefwise/services/counsel/middleware"
	"github.com/briefwise/briefwise/services/counsel/storage"
	"github.com/briefwise/briefwise/services/counsel/usage"
)

// SetupRoutes registers the counsel HTTP API.
//
// /health and /metrics are unauthenticated; everything under /v1 runs
// behind the auth middleware.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, store *storage.Store,
	ledger *usage.Ledger, authProvider extensions.AuthProvider) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(authProvider))
	{
		v1.POST("/chat/stream", chat.HandleChatStream)
		v1.GET("/usage", handlers.GetUsage(ledger))

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", handlers.ListConversations(store))
			conversations.GET("/:id", handlers.GetConversation(store))
			conversations.PATCH("/:id", handlers.RenameConversation(store))
			conversations.DELETE("/:id", handlers.DeleteConversation(store))
		}
	}
}
