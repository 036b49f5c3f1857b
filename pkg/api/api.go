// Package api exposes the shelf monitor and its aggregated telemetry via a
// small REST interface.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
	"github.com/Muskantaranum/btshelf/pkg/telemetry"
)

// API denotes a REST API for a shelf monitor
type API struct {
	monitor    shelf.Monitor
	aggregator *telemetry.Aggregator
	router     *fiber.App

	scanTimeout time.Duration
}

// defaultScanTimeout bounds a scan when the request carries none
const defaultScanTimeout = 10 * time.Second

type scanRequest struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	TimeoutMS int    `json:"timeout_ms"`
}

type statusResponse struct {
	State    string `json:"state"`
	Degraded bool   `json:"degraded"`
	Frames   uint64 `json:"frames"`
	UptimeMS int64  `json:"uptime_ms"`
	Error    string `json:"error,omitempty"`
	Remedy   string `json:"remedy,omitempty"`
}

type failureResponse struct {
	DecodeFailures uint64 `json:"decode_failures"`
	LastFailure    string `json:"last_failure,omitempty"`
}

// New instantiates a new API
func New(monitor shelf.Monitor, aggregator *telemetry.Aggregator, endpoint string) *API {

	api := API{
		monitor:     monitor,
		aggregator:  aggregator,
		router:      fiber.New(),
		scanTimeout: defaultScanTimeout,
	}

	api.setupRoutes()

	// Start to listen in goroutine
	go func() {
		if err := api.router.Listen(endpoint); err != nil {
			panic(err)
		}
	}()

	return &api
}

// Shutdown terminates the listener
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

func (api *API) setupRoutes() {
	api.router.Get("/api/status", api.handleStatus())
	api.router.Get("/api/telemetry", api.handleTelemetry())
	api.router.Get("/api/shocks", api.handleShocks())
	api.router.Get("/api/discovered", api.handleDiscovered())
	api.router.Get("/api/failures", api.handleFailures())
	api.router.Post("/api/scan", api.handleScan())
	api.router.Post("/api/disconnect", api.handleDisconnect())
}

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.monitor.Status()

		resp := statusResponse{
			State:    status.State.String(),
			Degraded: status.Degraded,
			Frames:   status.Frames,
			UptimeMS: status.Uptime.Milliseconds(),
		}
		if status.Error != nil {
			resp.Error = status.Error.Error()
			resp.Remedy = shelf.Remedy(status.Error)
		}

		return c.JSON(resp)
	}
}

func (api *API) handleTelemetry() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.aggregator.State())
	}
}

func (api *API) handleShocks() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.aggregator.State().Shocks)
	}
}

func (api *API) handleDiscovered() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.monitor.Discovered())
	}
}

func (api *API) handleFailures() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		state := api.aggregator.State()
		return c.JSON(failureResponse{
			DecodeFailures: state.DecodeFailures,
			LastFailure:    state.LastFailure,
		})
	}
}

// handleScan launches a session attempt. The scan itself can take tens of
// seconds, so the handler only validates and kicks it off
func (api *API) handleScan() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {

		var req scanRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		identity := shelf.PeripheralIdentity{Address: req.Address, Name: req.Name}
		if !identity.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "either address or name must be provided",
			})
		}

		timeout := api.scanTimeout
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}

		go func() {
			_ = api.monitor.StartScan(identity, timeout)
		}()

		return c.SendStatus(fiber.StatusAccepted)
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.monitor.Disconnect(); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
