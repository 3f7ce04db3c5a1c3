package backtesthttp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"backlab/internal/backtest"
	"backlab/internal/export"
	"backlab/internal/ledger"
	"backlab/internal/logger"
	"backlab/internal/market"
	"backlab/internal/store/candles"
	"backlab/internal/store/results"

	"github.com/gin-gonic/gin"
)

// RunReader 是结果存储的只读视图。
type RunReader interface {
	ListRuns(ctx context.Context, f results.RunFilter) ([]results.RunRecord, error)
	GetRun(ctx context.Context, id string) (results.RunRecord, error)
	ListTrades(ctx context.Context, runID string) ([]ledger.Trade, error)
	ListEquity(ctx context.Context, runID string) ([]backtest.EquityPoint, error)
	ListFills(ctx context.Context, runID string) ([]backtest.Fill, error)
	ListDiagnostics(ctx context.Context, runID string) ([]backtest.Diagnostic, error)
	LoadResult(ctx context.Context, id string) (*backtest.Result, error)
}

// CandleReader 是 K 线存储的只读视图。
type CandleReader interface {
	QueryCandles(ctx context.Context, symbol, timeframe string, start, end int64, limit int) (market.Series, error)
	RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) (market.Series, error)
	ListManifests(ctx context.Context) ([]candles.Manifest, error)
	CheckIntegrity(ctx context.Context, symbol, timeframe string, start, end int64) (candles.Integrity, error)
}

// Server 提供回测相关的 HTTP API。
type Server struct {
	addr    string
	bt      *backtest.Context
	results RunReader
	candles CandleReader
	workers int
	router  *gin.Engine
}

// Config 描述回测 HTTP Server 的依赖。
type Config struct {
	Addr     string
	Backtest *backtest.Context
	Results  RunReader
	Candles  CandleReader
	Workers  int
}

// NewServer 构建回测 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backtest == nil {
		return nil, errors.New("backtest context 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    cfg.Addr,
		bt:      cfg.Backtest,
		results: cfg.Results,
		candles: cfg.Candles,
		workers: cfg.Workers,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露路由，便于测试。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	api := s.router.Group("/api/backtest")
	api.GET("/strategies", s.handleStrategies)
	api.GET("/data", s.handleManifests)
	api.GET("/data/integrity", s.handleIntegrity)
	api.GET("/candles", s.handleCandles)
	api.POST("/runs", s.handleRunStart)
	api.POST("/scan", s.handleScan)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/trades", s.handleRunTrades)
	api.GET("/runs/:id/fills", s.handleRunFills)
	api.GET("/runs/:id/equity", s.handleRunEquity)
	api.GET("/runs/:id/diagnostics", s.handleRunDiagnostics)
	api.GET("/runs/:id/chart", s.handleRunChart)
	api.GET("/runs/:id/export", s.handleRunExport)
}

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.bt.Catalog()})
}

func (s *Server) handleManifests(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线存储未启用"})
		return
	}
	list, err := s.candles.ListManifests(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线存储未启用"})
		return
	}
	symbol, tf := c.Query("symbol"), c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	info, err := s.candles.CheckIntegrity(c.Request.Context(), symbol, tf, start, end)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrity": info, "complete": info.Complete()})
}

func (s *Server) handleCandles(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线存储未启用"})
		return
	}
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	data, err := s.candles.QueryCandles(c.Request.Context(), symbol, tf, start, end, limit)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.bt.RunStrategy(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if backtest.IsConfigError(err) {
			status = http.StatusBadRequest
		}
		body := gin.H{"error": err.Error()}
		if res != nil {
			body["run"] = res
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": res})
}

type scanRequest struct {
	backtest.Request
	Symbols []string         `json:"symbols"`
	Groups  []backtest.Group `json:"groups"`
	Workers int              `json:"workers"`
}

type scanRow struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	RunID    string `json:"run_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var reqs []backtest.Request
	if len(req.Groups) > 0 {
		reqs = backtest.ExpandGroups(req.Request, req.Groups)
	} else {
		reqs = backtest.ExpandSymbols(req.Request, req.Symbols)
	}
	if len(reqs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols 或 groups 至少提供一个标的"})
		return
	}
	workers := req.Workers
	if workers <= 0 || workers > s.workers {
		workers = s.workers
	}
	out := s.bt.Scan(c.Request.Context(), reqs, workers)
	rows := make([]scanRow, len(out))
	for i, r := range out {
		rows[i] = scanRow{Symbol: r.Request.Symbol, Strategy: r.Request.Strategy, Error: r.Error}
		if r.Result != nil {
			rows[i].RunID = r.Result.ID
		}
	}
	c.JSON(http.StatusOK, gin.H{"portfolio": backtest.Portfolio(out), "runs": rows})
}

func (s *Server) handleRunList(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	runs, err := s.results.ListRuns(c.Request.Context(), results.RunFilter{
		Symbol:   c.Query("symbol"),
		Strategy: c.Query("strategy"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	trades, err := s.results.ListTrades(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRunFills(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	fills, err := s.results.ListFills(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	points, err := s.results.ListEquity(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": points})
}

func (s *Server) handleRunDiagnostics(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	diags, err := s.results.ListDiagnostics(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"diagnostics": diags})
}

func (s *Server) handleRunChart(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	ctx := c.Request.Context()
	res, err := s.results.LoadResult(ctx, c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	in := export.ChartInput{Result: res}
	if s.candles != nil && len(res.Equity) > 0 {
		first, last := res.Equity[0].TS, res.Equity[len(res.Equity)-1].TS
		series, err := s.candles.RangeCandles(ctx, res.Config.Symbol, res.Config.Timeframe, first, last)
		if err != nil {
			logger.Debugf("[http] run %s 图表未加载 K 线: %v", res.ID, err)
		}
		in.Candles = series
	}
	var buf bytes.Buffer
	if err := export.RenderChart(&buf, in); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) handleRunExport(c *gin.Context) {
	if !s.requireResults(c) {
		return
	}
	res, err := s.results.LoadResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	if err := export.WriteTrades(&buf, export.Rows(res)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\"trades_"+strings.ToLower(res.Config.Symbol)+"_"+res.ID+".csv\"")
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (s *Server) requireResults(c *gin.Context) bool {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return false
	}
	return true
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, results.ErrRunNotFound), errors.Is(err, candles.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
