// Package api is the supervisor facing HTTP surface of the worker.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/allape/camworker/control"
	"github.com/allape/camworker/metrics"
	"github.com/allape/camworker/preview"
	"github.com/allape/camworker/worker"
	"github.com/allape/gogger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var l = gogger.New("api")

type StatusProvider interface {
	Status() worker.Status
}

type Options struct {
	Addr     string
	Cors     bool
	Username string
	Password string

	// Device fills in the target of commands that do not name one.
	Device  string
	Channel *control.Channel
	Worker  StatusProvider
	Preview *preview.Store
	Metrics *metrics.Metrics
}

type Server struct {
	options    Options
	hub        *Hub
	httpServer *http.Server

	Router *gin.Engine
}

func NewServer(options Options) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	if options.Cors {
		config := cors.DefaultConfig()
		config.AllowAllOrigins = true
		r.Use(cors.New(config))
	}

	s := &Server{
		options: options,
		hub:     NewHub(options.Channel, options.Device, options.Cors),
		Router:  r,
	}

	s.SetupRoutes()

	return s
}

func (s *Server) SetupRoutes() {
	var route *gin.RouterGroup
	if s.options.Username != "" && s.options.Password != "" {
		route = s.Router.Group("/", gin.BasicAuth(gin.Accounts{
			s.options.Username: s.options.Password,
		}))
	} else {
		route = s.Router.Group("/")
	}

	route.POST("/command", s.SubmitCommand)
	route.GET("/status", s.WorkerStatus)
	route.GET("/preview.jpg", s.Preview)
	route.GET("/ws", s.hub.Serve)
	if s.options.Metrics != nil {
		route.GET("/metrics", gin.WrapH(s.options.Metrics.Handler()))
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.options.Addr,
		Handler: s.Router,
	}

	go s.hub.Run(ctx)

	errs := make(chan error, 1)
	go func() {
		l.Info().Println("listening on", s.options.Addr)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	l.Info().Println("stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		_ = s.httpServer.Close()
	}

	return nil
}

type accepted struct {
	ID string `json:"id"`
}

type failure struct {
	Error string `json:"error"`
}

func (s *Server) SubmitCommand(c *gin.Context) {
	msg := control.ControlMessage{}
	err := c.ShouldBindJSON(&msg)
	if err != nil {
		c.JSON(http.StatusBadRequest, failure{Error: err.Error()})
		return
	}
	if msg.Target == "" {
		msg.Target = s.options.Device
	}

	err = s.options.Channel.TrySubmit(msg)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, failure{Error: err.Error()})
		return
	}

	l.Verbose().Printf("queued %s from %s", msg.ID, c.ClientIP())

	c.JSON(http.StatusAccepted, accepted{ID: msg.ID.String()})
}

func (s *Server) WorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.options.Worker.Status())
}

func (s *Server) Preview(c *gin.Context) {
	if s.options.Preview == nil {
		c.Status(http.StatusNotFound)
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("Content-Type", "image/jpeg")
	c.Status(http.StatusOK)

	status := string(s.options.Worker.Status().State)

	err := s.options.Preview.WriteJPEG(c.Writer, 80, status)
	if err != nil {
		l.Warn().Println("preview:", err)
	}
}
