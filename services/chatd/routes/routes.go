// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halcyonlabs/threadline/services/chatd/handlers"
)

// SetupRoutes registers the chatd HTTP surface on the given engine.
func SetupRoutes(router *gin.Engine, h *handlers.Handler) {
	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/init_thread", h.HandleInitThread)
	router.POST("/query_stream", h.HandleQueryStream)
	router.GET("/threads", h.HandleListThreads)
	router.PUT("/thread_title", h.HandleSetTitle)
	router.GET("/conversation/:id", h.HandleGetConversation)

	threads := router.Group("/threads")
	{
		threads.POST("/:id/clear", h.HandleClearThread)
		threads.GET("/:id/full", h.HandleGetFullThread)
	}
}
