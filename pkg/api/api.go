// Package api exposes the host method surface and event channels of a session
// via HTTP: methods are invoked by POSTing their (JSON) arguments, events are
// streamed as server-sent events.
package api

import (
	"bufio"
	"fmt"
	"net/http"
	"time"

	"github.com/fako1024/skalekit/pkg/channel"
	"github.com/fako1024/skalekit/pkg/scale"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const (
	eventBuffer       = 256
	heartbeatInterval = 15 * time.Second
)

// API denotes a REST API for a scale session
type API struct {
	handler *channel.Handler
	router  *fiber.App
	logger  scale.Logger
}

// Result denotes the response of a successful method call
type Result struct {
	Result interface{} `json:"result"`
}

// Failure denotes the response of a failed method call
type Failure struct {
	Code    scale.Code `json:"code"`
	Message string     `json:"message"`
}

// New instantiates a new API, executing functional options, if any
func New(h *channel.Handler, options ...func(*API)) *API {

	api := API{
		handler: h,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		logger: &scale.NullLogger{},
	}

	for _, option := range options {
		option(&api)
	}

	// Setup routes
	api.router.Post("/methods/:name", api.handleMethod())
	api.router.Get("/events/:channel", api.handleEvents())

	return &api
}

// Listen serves the API on the given endpoint until Shutdown is called
func (api *API) Listen(endpoint string) error {
	api.logger.Infof("serving API on %s", endpoint)
	return api.router.Listen(endpoint)
}

// Shutdown gracefully stops serving. Open event streams only terminate once
// the underlying session is closed
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

func (api *API) handleMethod() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		args := make(map[string]interface{})
		if len(c.Body()) > 0 {
			if err := api.router.Config().JSONDecoder(c.Body(), &args); err != nil {
				return api.fail(c, scale.NewError(scale.CodeInvalidArgument, "invalid arguments: %s", err))
			}
		}

		res, err := api.handler.Invoke(c.UserContext(), c.Params("name"), args)
		if err != nil {
			return api.fail(c, err)
		}

		return c.JSON(Result{Result: res})
	}
}

func (api *API) handleEvents() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		name := channel.Prefix + "/" + c.Params("channel")

		events := make(chan channel.Event, eventBuffer)
		sub, err := api.handler.Subscribe(name, func(ev channel.Event) {
			select {
			case events <- ev:
			default:
				api.logger.Warnf("event stream `%s` is congested, dropping event", name)
			}
		})
		if err != nil {
			return api.fail(c, err)
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")

		encode := api.router.Config().JSONEncoder
		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer sub.Cancel()

			heartbeat := time.NewTicker(heartbeatInterval)
			defer heartbeat.Stop()

			for {
				select {
				case ev := <-events:
					data, err := encode(ev)
					if err != nil {
						api.logger.Errorf("failed to encode event on `%s`: %s", name, err)
						continue
					}
					fmt.Fprintf(w, "data: %s\n\n", data)
				case <-heartbeat.C:
					fmt.Fprint(w, ": ping\n\n")
				case <-sub.Done():

					// Flush events that arrived before the listener was detached
					for {
						select {
						case ev := <-events:
							if data, err := encode(ev); err == nil {
								fmt.Fprintf(w, "data: %s\n\n", data)
							}
						default:
							_ = w.Flush()
							return
						}
					}
				}

				// A failing flush means the client went away
				if err := w.Flush(); err != nil {
					api.logger.Debugf("event stream `%s` closed by client: %s", name, err)
					return
				}
			}
		}))

		return nil
	}
}

func (api *API) fail(c *fiber.Ctx, err error) error {
	e := scale.AsError(err)
	return c.Status(statusOf(e.Code)).JSON(Failure{
		Code:    e.Code,
		Message: e.Message,
	})
}

func statusOf(code scale.Code) int {
	switch code {
	case scale.CodeInvalidArgument:
		return http.StatusBadRequest
	case scale.CodePermissionDenied:
		return http.StatusForbidden
	case scale.CodeNotImplemented:
		return http.StatusNotFound
	case scale.CodeNotSupported:
		return http.StatusNotImplemented
	case scale.CodeConnectionTimeout:
		return http.StatusGatewayTimeout
	case scale.CodeBluetoothDisabled, scale.CodeNotInitialized, scale.CodeAlreadyConnected,
		scale.CodeRequestSuperseded, scale.CodeCancelled, scale.CodeDeviceNotFound:
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}
