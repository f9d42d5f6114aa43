package rest

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler) {
	router.GET("/", handler.Index)
	router.GET("/health", handler.HealthCheck)

	// Measurement endpoints (device token required)
	router.GET("/measurement", handler.RecordMeasurement)
	router.POST("/measurement", handler.RecordMeasurement)
	router.POST("/measurements", handler.RecordMeasurements)

	// Location endpoints (public read access)
	router.GET("/locations", handler.ListLocations)
	router.GET("/locations/:id", handler.ListLocations)
	router.GET("/locations/:id/noise", handler.LocationNoise)

	// Device endpoints; register needs no token, set_location does
	router.GET("/device", handler.Device)
	router.POST("/device", handler.Device)
	router.GET("/device/:endpoint", handler.Device)
	router.POST("/device/:endpoint", handler.Device)

	router.GET("/software", handler.Software)
	router.GET("/software/:endpoint", handler.Software)

	router.NoRoute(handler.NotFound)
}
