// Package api serves the device inventory, risk report and metrics over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
	"github.com/ExclusiveAccount/iot-guardian/pkg/report"
)

// DeviceSource is the read side of the device registry
type DeviceSource interface {
	Snapshot() []models.Device
	Get(mac string) (models.Device, error)
}

// Config contains configuration for the API server
type Config struct {
	Address        string
	EnableCORS     bool
	MetricsHandler http.Handler // Defaults to the Prometheus default gatherer
	Degraded       func() []string
	Now            func() time.Time
}

// Server is the reporting API
type Server struct {
	router  *gin.Engine
	devices DeviceSource
	config  Config
	logger  *logrus.Logger
}

// NewServer creates the API server
func NewServer(config Config, devices DeviceSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Address == "" {
		config.Address = ":8080"
	}
	if config.MetricsHandler == nil {
		config.MetricsHandler = promhttp.Handler()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router:  router,
		devices: devices,
		config:  config,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	if s.config.EnableCORS {
		s.router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
		})
	}

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.config.MetricsHandler))

	api := s.router.Group("/api")
	{
		api.GET("/devices", s.handleGetDevices)
		api.GET("/devices/:mac", s.handleGetDevice)
		api.GET("/vulnerabilities", s.handleGetVulnerabilities)
		api.GET("/stats", s.handleGetStats)
		api.GET("/report", s.handleGetReport)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", s.config.Address).Info("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("API server shutdown: %v", err)
		}
		return nil
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("API request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	var degraded []string
	if s.config.Degraded != nil {
		degraded = s.config.Degraded()
	}
	status := "ok"
	if len(degraded) > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"degraded_catalogs": degraded,
		"devices":           len(s.devices.Snapshot()),
	})
}

// handleGetDevices lists devices, optionally filtered by ?level= and ?type=
func (s *Server) handleGetDevices(c *gin.Context) {
	level := strings.ToLower(c.Query("level"))
	deviceType := c.Query("type")

	devices := []models.Device{}
	for _, d := range s.devices.Snapshot() {
		if level != "" && string(d.RiskLevel) != level {
			continue
		}
		if deviceType != "" && !strings.EqualFold(d.DeviceType, deviceType) {
			continue
		}
		devices = append(devices, d)
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	device, err := s.devices.Get(c.Param("mac"))
	switch {
	case errors.Is(err, registry.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, device)
	}
}

// DeviceVulnerability is a vulnerability listed with the device it affects
type DeviceVulnerability struct {
	DeviceMAC  string `json:"device_mac"`
	DeviceIP   string `json:"device_ip"`
	DeviceInfo string `json:"device_info"`
	models.Vulnerability
}

func (s *Server) handleGetVulnerabilities(c *gin.Context) {
	vulns := []DeviceVulnerability{}
	for _, device := range s.devices.Snapshot() {
		info := device.MAC
		if device.IsIdentified() {
			info = device.Manufacturer + " " + device.Model + " (" + device.MAC + ")"
		}
		for _, v := range device.Vulnerabilities {
			vulns = append(vulns, DeviceVulnerability{
				DeviceMAC:     device.MAC,
				DeviceIP:      device.IP,
				DeviceInfo:    info,
				Vulnerability: v,
			})
		}
	}
	c.JSON(http.StatusOK, vulns)
}

func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, report.Summarize(s.devices.Snapshot()))
}

func (s *Server) handleGetReport(c *gin.Context) {
	r := report.Build(s.devices.Snapshot(), s.config.Now())
	if c.Query("download") != "" {
		c.Header("Content-Disposition", "attachment; filename=iot_guardian_report.json")
	}
	c.JSON(http.StatusOK, r)
}
