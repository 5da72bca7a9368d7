package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cac-client/internal/cac"
	"cac-client/internal/condition"
	"cac-client/internal/experiment"
	"cac-client/internal/store"
)

// Query parameters that never reach the resolve query as dimensions.
var reservedParams = []string{"tenant", "prefix", "merge_strategy", "show_reasoning", "toss"}

// Config defines server dependencies.
type Config struct {
	Factory        *cac.Factory
	Experiments    map[string]*experiment.Client
	Snapshots      store.SnapshotStore
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	RefreshRate    rate.Limit
	RefreshBurst   int
	RefreshTimeout time.Duration
}

// Server exposes cached CAC clients over HTTP.
type Server struct {
	factory        *cac.Factory
	experiments    map[string]*experiment.Client
	snapshots      store.SnapshotStore
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	refreshLimits  *limiterStore
	refreshTimeout time.Duration
	notifier       *UpdateNotifier
}

// NewServer constructs the API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Factory == nil {
		return nil, errors.New("cac factory required")
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = rate.Every(10 * time.Second)
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 1
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	experiments := cfg.Experiments
	if experiments == nil {
		experiments = map[string]*experiment.Client{}
	}

	return &Server{
		factory:        cfg.Factory,
		experiments:    experiments,
		snapshots:      cfg.Snapshots,
		gatherer:       cfg.Gatherer,
		allowedOrigins: cfg.AllowedOrigins,
		refreshLimits:  newLimiterStore(cfg.RefreshRate, cfg.RefreshBurst),
		refreshTimeout: cfg.RefreshTimeout,
		notifier:       NewUpdateNotifier(),
	}, nil
}

// Notifier returns the websocket fan-out used by /config/watch.
func (s *Server) Notifier() *UpdateNotifier {
	return s.notifier
}

// Run forwards config updates of every registered client to watch
// connections until ctx is done.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tenant := range s.factory.Tenants() {
		client, err := s.factory.Get(tenant)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.notifier.Forward(ctx, client)
		}()
	}
	wg.Wait()
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Tenant"}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	config := r.Group("/config")
	{
		config.GET("", s.handleConfig)
		config.GET("/contexts", s.handleContexts)
		config.GET("/resolve", s.handleResolve)
		config.GET("/default", s.handleDefault)
		config.POST("/refresh", s.handleRefresh)
		config.GET("/snapshots", s.handleSnapshots)
		config.GET("/watch", s.handleWatch)
	}
	r.GET("/experiments/applicable", s.handleApplicable)

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"tenants": s.factory.Tenants(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	doc := client.Document()
	if prefix := strings.TrimSpace(c.Query("prefix")); prefix != "" {
		doc = doc.FilterByPrefix(prefix)
	}
	c.JSON(http.StatusOK, ConfigResponse{
		Tenant:       client.Tenant(),
		Version:      client.Version(),
		LastModified: client.LastModified(),
		Dimensions:   doc.Dimensions(),
		Document:     doc,
	})
}

func (s *Server) handleContexts(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	doc := client.Document()
	items := make([]ContextDTO, 0, len(doc.Contexts))
	for _, ctx := range doc.Contexts {
		items = append(items, toContextDTO(ctx))
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant":     client.Tenant(),
		"dimensions": doc.Dimensions(),
		"items":      items,
	})
}

func (s *Server) handleResolve(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	strategy, err := cac.ParseMergeStrategy(c.Query("merge_strategy"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	showReasoning, err := parseBoolParam(c.Query("show_reasoning"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}

	query := cac.QueryFromValues(c.Request.URL.Query(), reservedParams...)
	if raw, present := c.GetQuery("toss"); present {
		toss, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			s.renderError(c, http.StatusBadRequest, errors.New("toss must be an integer"))
			return
		}
		if exp, ok := s.experiments[client.Tenant()]; ok {
			ids, err := exp.ApplicableVariants(query, toss)
			if err != nil {
				s.renderError(c, statusFor(err), err)
				return
			}
			query["variantIds"] = ids
		}
	}

	resolved, applied, err := client.ResolveWithReasoning(query,
		cac.WithPrefixes(c.Query("prefix")),
		cac.WithMergeStrategy(strategy),
	)
	if err != nil {
		s.renderError(c, statusFor(err), err)
		return
	}
	if showReasoning {
		if err := cac.AttachReasoning(resolved, applied); err != nil {
			s.renderError(c, statusFor(err), err)
			return
		}
	}
	c.JSON(http.StatusOK, resolved)
}

func (s *Server) handleDefault(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, client.DefaultConfig(c.Query("prefix")))
}

func (s *Server) handleRefresh(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	if !s.refreshLimits.allow(client.Tenant()) {
		s.renderError(c, http.StatusTooManyRequests, errors.New("refresh rate limit exceeded"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.refreshTimeout)
	defer cancel()
	changed, err := client.Refresh(ctx)
	if err != nil {
		s.renderError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, RefreshResponse{
		Tenant:       client.Tenant(),
		Changed:      changed,
		Version:      client.Version(),
		LastModified: client.LastModified(),
	})
}

func (s *Server) handleSnapshots(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	if s.snapshots == nil {
		s.renderError(c, http.StatusNotFound, errors.New("snapshot storage disabled"))
		return
	}
	limit := 20
	if value := strings.TrimSpace(c.Query("limit")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			s.renderError(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	withDocument, err := parseBoolParam(c.Query("include_document"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}

	items, err := s.snapshots.ListSnapshots(c.Request.Context(), client.Tenant(), limit)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant": client.Tenant(),
		"items":  toSnapshotDTOs(items, withDocument),
	})
}

func (s *Server) handleApplicable(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	exp, ok := s.experiments[client.Tenant()]
	if !ok {
		s.renderError(c, http.StatusNotFound, errors.New("experimentation disabled for tenant"))
		return
	}
	toss := -1
	if raw := strings.TrimSpace(c.Query("toss")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.renderError(c, http.StatusBadRequest, errors.New("toss must be an integer"))
			return
		}
		toss = parsed
	}
	ids, err := exp.ApplicableVariants(cac.QueryFromValues(c.Request.URL.Query(), reservedParams...), toss)
	if err != nil {
		s.renderError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, ApplicableResponse{Tenant: client.Tenant(), VariantIDs: ids})
}

func (s *Server) handleWatch(c *gin.Context) {
	client, ok := s.client(c)
	if !ok {
		return
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}

	current := cac.Update{Tenant: client.Tenant(), Version: client.Version(), LastModified: client.LastModified()}
	ws := s.notifier.Register(conn, client.Tenant(), current)
	log := logrus.WithFields(logrus.Fields{
		"remote":     conn.RemoteAddr().String(),
		"tenant":     client.Tenant(),
		"connection": ws.id,
	})
	log.Info("config watch connected")
	defer s.notifier.Unregister(ws)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Info("config watch closed")
			} else {
				log.WithError(err).Warn("config watch unexpected close")
			}
			break
		}
	}
}

// client looks up the tenant's CAC client, rendering the error itself when
// it cannot.
func (s *Server) client(c *gin.Context) (*cac.Client, bool) {
	tenant := firstNonEmpty(c.GetHeader("x-tenant"), c.Query("tenant"))
	if tenant == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("tenant required: set the x-tenant header or tenant query param"))
		return nil, false
	}
	client, err := s.factory.Get(tenant)
	if err != nil {
		s.renderError(c, http.StatusNotFound, err)
		return nil, false
	}
	return client, true
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cac.ErrInvalidQuery),
		errors.Is(err, condition.ErrInvalidRule),
		errors.Is(err, condition.ErrUnknownOperator):
		return http.StatusBadRequest
	case errors.Is(err, cac.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, cac.ErrReasoningConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseBoolParam(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.New("expected a boolean, got " + strconv.Quote(value))
	}
	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
