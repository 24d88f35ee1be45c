package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"stellar-mm/infrastructure/monitor"
	"stellar-mm/internal/service"
	"stellar-mm/offer"
)

const maxBodyBytes = 1 << 20

// Service 交易服务
type Service interface {
	GetPairPrice(ctx context.Context, pair string) service.Result
	StartOffer(ctx context.Context, side offer.Side, in service.OfferRequest) service.Result
	CancelOffer(ctx context.Context, side offer.Side, in service.CancelRequest) service.Result
	CreateUser(ctx context.Context, username, publicKey, secret string) service.Result
	GetBalance(ctx context.Context, publicKey string) service.Result
	ListOffers(ctx context.Context, publicKey string) service.Result
	Sessions() service.Result
}

// HealthFunc 返回 nil 表示健康。
type HealthFunc func() error

// Options HTTP 层配置
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Health         HealthFunc
	// Metrics 非空时挂到 /metrics
	Metrics http.Handler
}

// Server 对外 HTTP 接口
type Server struct {
	svc     Service
	opts    Options
	router  *mux.Router
	monitor *monitor.Monitor
	logger  *zap.Logger
}

// NewServer 创建 HTTP 服务并注册路由
func NewServer(svc Service, opts Options, mon *monitor.Monitor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		svc:     svc,
		opts:    opts,
		router:  mux.NewRouter(),
		monitor: mon,
		logger:  logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.observe)

	s.router.HandleFunc("/pairprice", s.handlePairPrice).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/buy", s.handleStart(offer.SideBuy)).Methods(http.MethodPost)
	s.router.HandleFunc("/buy/{id}", s.handleCancel(offer.SideBuy)).Methods(http.MethodPost)
	s.router.HandleFunc("/sell", s.handleStart(offer.SideSell)).Methods(http.MethodPost)
	s.router.HandleFunc("/sell/{id}", s.handleCancel(offer.SideSell)).Methods(http.MethodPost)

	s.router.HandleFunc("/create", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/offers", s.handleOffers).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
}

// Handler 带 CORS 的根 handler
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 记录每个请求的路由、状态码与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.monitor.RecordHTTPRequest(route, rec.code)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("code", rec.code),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// params 合并 query、表单与 JSON body 中的字段，body 优先。
type params map[string]string

func (p params) get(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(p[n]); v != "" {
			return v
		}
	}
	return ""
}

func readParams(w http.ResponseWriter, r *http.Request) (params, error) {
	out := params{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	if r.Body == nil || r.ContentLength == 0 {
		return out, nil
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		var raw map[string]interface{}
		dec := json.NewDecoder(body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		for k, v := range raw {
			switch t := v.(type) {
			case string:
				out[strings.ToLower(k)] = t
			case json.Number:
				out[strings.ToLower(k)] = t.String()
			}
		}
	case "application/x-www-form-urlencoded":
		r.Body = body
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				out[strings.ToLower(k)] = v[0]
			}
		}
	}
	return out, nil
}

func (s *Server) withParams(w http.ResponseWriter, r *http.Request) (params, context.Context, context.CancelFunc, bool) {
	p, err := readParams(w, r)
	if err != nil {
		writeResult(w, service.Result{Code: http.StatusBadRequest, Payload: "malformed request body"})
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	return p, ctx, cancel, true
}

func (s *Server) handlePairPrice(w http.ResponseWriter, r *http.Request) {
	p, ctx, cancel, ok := s.withParams(w, r)
	if !ok {
		return
	}
	defer cancel()
	writeResult(w, s.svc.GetPairPrice(ctx, p.get("pair")))
}

func (s *Server) handleStart(side offer.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ctx, cancel, ok := s.withParams(w, r)
		if !ok {
			return
		}
		defer cancel()
		writeResult(w, s.svc.StartOffer(ctx, side, service.OfferRequest{
			PublicKey:    p.get("publickey"),
			SellingAsset: p.get("sellingasset"),
			BuyingAsset:  p.get("buyingasset"),
			Amount:       p.get("amount"),
		}))
	}
}

func (s *Server) handleCancel(side offer.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ctx, cancel, ok := s.withParams(w, r)
		if !ok {
			return
		}
		defer cancel()
		writeResult(w, s.svc.CancelOffer(ctx, side, service.CancelRequest{
			PublicKey:    p.get("publickey"),
			SellingAsset: p.get("sellingasset"),
			BuyingAsset:  p.get("buyingasset"),
			OfferID:      mux.Vars(r)["id"],
		}))
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ctx, cancel, ok := s.withParams(w, r)
	if !ok {
		return
	}
	defer cancel()
	writeResult(w, s.svc.CreateUser(ctx, p.get("username"), p.get("publickey"), p.get("privatekey", "secret")))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	p, ctx, cancel, ok := s.withParams(w, r)
	if !ok {
		return
	}
	defer cancel()
	writeResult(w, s.svc.GetBalance(ctx, p.get("publickey")))
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	p, ctx, cancel, ok := s.withParams(w, r)
	if !ok {
		return
	}
	defer cancel()
	writeResult(w, s.svc.ListOffers(ctx, p.get("publickey")))
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, s.svc.Sessions())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(); err != nil {
			writeResult(w, service.Result{Code: http.StatusServiceUnavailable, Payload: err.Error()})
			return
		}
	}
	writeResult(w, service.Result{Code: http.StatusOK, Payload: "ok"})
}
