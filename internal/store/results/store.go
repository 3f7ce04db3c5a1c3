package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backlab/internal/backtest"
	"backlab/internal/ledger"
	"backlab/internal/metrics"
	"backlab/internal/pkg/symbol"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrRunNotFound 表示 run id 不存在。
var ErrRunNotFound = errors.New("backtest run not found")

const (
	StatusCompleted = "completed"
	StatusDegraded  = "degraded"

	batchSize = 500
)

// Store 保存回测结果，实现 backtest.ResultSink。
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("results db 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewStoreFromDB(db)
}

func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	models := []interface{}{
		&RunModel{},
		&TradeModel{},
		&EquityModel{},
		&FillModel{},
		&DiagnosticModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveResult 在一个事务里写入 run 及其明细；同一 id 重复保存会整体替换。
func (s *Store) SaveResult(ctx context.Context, res *backtest.Result) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("保存回测结果: 缺少 run id")
	}
	run, err := toRunModel(res)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&run).Error; err != nil {
			return fmt.Errorf("写入 run: %w", err)
		}
		for _, m := range []interface{}{&TradeModel{}, &EquityModel{}, &FillModel{}, &DiagnosticModel{}} {
			if err := tx.Where("run_id = ?", res.ID).Delete(m).Error; err != nil {
				return err
			}
		}
		if trades := toTradeModels(res); len(trades) > 0 {
			if err := tx.CreateInBatches(trades, batchSize).Error; err != nil {
				return fmt.Errorf("写入 trades: %w", err)
			}
		}
		if equity := toEquityModels(res); len(equity) > 0 {
			if err := tx.CreateInBatches(equity, batchSize).Error; err != nil {
				return fmt.Errorf("写入 equity: %w", err)
			}
		}
		if fills := toFillModels(res); len(fills) > 0 {
			if err := tx.CreateInBatches(fills, batchSize).Error; err != nil {
				return fmt.Errorf("写入 fills: %w", err)
			}
		}
		if diags := toDiagnosticModels(res); len(diags) > 0 {
			if err := tx.CreateInBatches(diags, batchSize).Error; err != nil {
				return fmt.Errorf("写入 diagnostics: %w", err)
			}
		}
		return nil
	})
}

// RunRecord 是 run 的读取视图。
type RunRecord struct {
	ID           string                 `json:"id"`
	Symbol       string                 `json:"symbol"`
	Timeframe    string                 `json:"timeframe"`
	Strategy     string                 `json:"strategy"`
	Status       string                 `json:"status"`
	StartTS      int64                  `json:"start_ts"`
	EndTS        int64                  `json:"end_ts"`
	OpenAtEnd    bool                   `json:"open_at_end"`
	Config       backtest.Config        `json:"config"`
	Summary      metrics.Summary        `json:"summary"`
	Stats        backtest.Stats         `json:"stats"`
	OpenPosition *backtest.OpenPosition `json:"open_position,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// RunFilter 列表查询条件。
type RunFilter struct {
	Symbol   string
	Strategy string
	Limit    int
	Offset   int
}

// ListRuns 按完成时间倒序返回 run，limit 默认 50、上限 500。
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	q := s.db.WithContext(ctx).Model(&RunModel{})
	if sym := symbol.Canonical(f.Symbol); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	if strat := strings.TrimSpace(f.Strategy); strat != "" {
		q = q.Where("strategy = ?", strat)
	}
	var rows []RunModel
	if err := q.Order("finished_at DESC").Order("id").Limit(limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toRunRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var row RunModel
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunRecord{}, err
	}
	return toRunRecord(row)
}

func (s *Store) ListTrades(ctx context.Context, runID string) ([]ledger.Trade, error) {
	var rows []TradeModel
	if err := s.children(ctx, runID, &rows); err != nil {
		return nil, err
	}
	out := make([]ledger.Trade, len(rows))
	for i, r := range rows {
		out[i] = ledger.Trade{
			EntryPrice: r.EntryPrice,
			ExitPrice:  r.ExitPrice,
			Amount:     r.Amount,
			EntryTime:  r.EntryTime,
			ExitTime:   r.ExitTime,
			PnL:        r.PnL,
			Commission: r.Commission,
			IsWin:      r.IsWin,
			Forced:     r.Forced,
		}
	}
	return out, nil
}

func (s *Store) ListEquity(ctx context.Context, runID string) ([]backtest.EquityPoint, error) {
	var rows []EquityModel
	if err := s.children(ctx, runID, &rows); err != nil {
		return nil, err
	}
	out := make([]backtest.EquityPoint, len(rows))
	for i, r := range rows {
		out[i] = backtest.EquityPoint{TS: r.TS, Equity: r.Equity, Cash: r.Cash, InPosition: r.InPosition, Carried: r.Carried}
	}
	return out, nil
}

func (s *Store) ListFills(ctx context.Context, runID string) ([]backtest.Fill, error) {
	var rows []FillModel
	if err := s.children(ctx, runID, &rows); err != nil {
		return nil, err
	}
	out := make([]backtest.Fill, len(rows))
	for i, r := range rows {
		out[i] = backtest.Fill{
			TS:         r.TS,
			Kind:       backtest.FillKind(r.Action),
			Price:      r.Price,
			Amount:     r.Amount,
			Balance:    r.Balance,
			Confidence: r.Confidence,
			Mode:       r.Mode,
		}
	}
	return out, nil
}

func (s *Store) ListDiagnostics(ctx context.Context, runID string) ([]backtest.Diagnostic, error) {
	var rows []DiagnosticModel
	if err := s.children(ctx, runID, &rows); err != nil {
		return nil, err
	}
	out := make([]backtest.Diagnostic, len(rows))
	for i, r := range rows {
		out[i] = backtest.Diagnostic{Step: r.Step, TS: r.TS, Kind: backtest.DiagnosticKind(r.Kind), Message: r.Message}
	}
	return out, nil
}

// LoadResult 重新组装完整结果（不含逐步信号），供导出使用。
func (s *Store) LoadResult(ctx context.Context, id string) (*backtest.Result, error) {
	rec, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &backtest.Result{
		ID:           rec.ID,
		Config:       rec.Config,
		Summary:      rec.Summary,
		Stats:        rec.Stats,
		OpenPosition: rec.OpenPosition,
		OpenAtEnd:    rec.OpenAtEnd,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
	var run RunModel
	if err := s.db.WithContext(ctx).Select("final_cash", "final_equity").Where("id = ?", rec.ID).Take(&run).Error; err != nil {
		return nil, err
	}
	res.FinalCash, res.FinalEquity = run.FinalCash, run.FinalEquity
	if res.Trades, err = s.ListTrades(ctx, id); err != nil {
		return nil, err
	}
	if res.Equity, err = s.ListEquity(ctx, id); err != nil {
		return nil, err
	}
	if res.Fills, err = s.ListFills(ctx, id); err != nil {
		return nil, err
	}
	if res.Diagnostics, err = s.ListDiagnostics(ctx, id); err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteRun 删除 run 及其明细。
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&RunModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		for _, m := range []interface{}{&TradeModel{}, &EquityModel{}, &FillModel{}, &DiagnosticModel{}} {
			if err := tx.Where("run_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) children(ctx context.Context, runID string, dest interface{}) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return s.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq").Find(dest).Error
}

func toRunModel(res *backtest.Result) (RunModel, error) {
	cfgJSON, err := json.Marshal(res.Config)
	if err != nil {
		return RunModel{}, fmt.Errorf("序列化 config: %w", err)
	}
	summaryJSON, err := json.Marshal(res.Summary)
	if err != nil {
		return RunModel{}, fmt.Errorf("序列化 summary: %w", err)
	}
	statsJSON, err := json.Marshal(res.Stats)
	if err != nil {
		return RunModel{}, fmt.Errorf("序列化 stats: %w", err)
	}
	var posJSON datatypes.JSON
	if res.OpenPosition != nil {
		raw, err := json.Marshal(res.OpenPosition)
		if err != nil {
			return RunModel{}, fmt.Errorf("序列化 open position: %w", err)
		}
		posJSON = datatypes.JSON(raw)
	}
	status := StatusCompleted
	if res.Degraded() {
		status = StatusDegraded
	}
	run := RunModel{
		ID:             res.ID,
		Symbol:         res.Config.Symbol,
		Timeframe:      res.Config.Timeframe,
		Strategy:       res.Config.Strategy,
		Status:         status,
		EndPolicy:      string(res.Config.EndPolicy),
		InitialCapital: res.Config.InitialCapital,
		FinalCash:      res.FinalCash,
		FinalEquity:    res.FinalEquity,
		ROIPct:         res.Summary.ROIPct,
		WinRate:        res.Summary.WinRate,
		ProfitFactor:   res.Summary.ProfitFactor,
		MaxDrawdownPct: res.Summary.MaxDrawdownPct,
		TotalTrades:    res.Summary.TotalTrades,
		OpenAtEnd:      res.OpenAtEnd,
		ConfigJSON:     datatypes.JSON(cfgJSON),
		SummaryJSON:    datatypes.JSON(summaryJSON),
		StatsJSON:      datatypes.JSON(statsJSON),
		PositionJSON:   posJSON,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
	if n := len(res.Equity); n > 0 {
		run.StartTS = res.Equity[0].TS
		run.EndTS = res.Equity[n-1].TS
	}
	return run, nil
}

func toRunRecord(row RunModel) (RunRecord, error) {
	rec := RunRecord{
		ID:         row.ID,
		Symbol:     row.Symbol,
		Timeframe:  row.Timeframe,
		Strategy:   row.Strategy,
		Status:     row.Status,
		StartTS:    row.StartTS,
		EndTS:      row.EndTS,
		OpenAtEnd:  row.OpenAtEnd,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	if err := decodeJSON(row.ConfigJSON, &rec.Config); err != nil {
		return RunRecord{}, fmt.Errorf("run %s config: %w", row.ID, err)
	}
	if err := decodeJSON(row.SummaryJSON, &rec.Summary); err != nil {
		return RunRecord{}, fmt.Errorf("run %s summary: %w", row.ID, err)
	}
	if err := decodeJSON(row.StatsJSON, &rec.Stats); err != nil {
		return RunRecord{}, fmt.Errorf("run %s stats: %w", row.ID, err)
	}
	if len(row.PositionJSON) > 0 && string(row.PositionJSON) != "null" {
		var pos backtest.OpenPosition
		if err := json.Unmarshal(row.PositionJSON, &pos); err != nil {
			return RunRecord{}, fmt.Errorf("run %s open position: %w", row.ID, err)
		}
		rec.OpenPosition = &pos
	}
	return rec, nil
}

func decodeJSON(raw datatypes.JSON, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func toTradeModels(res *backtest.Result) []TradeModel {
	out := make([]TradeModel, len(res.Trades))
	for i, t := range res.Trades {
		out[i] = TradeModel{
			RunID:      res.ID,
			Seq:        i,
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Amount:     t.Amount,
			PnL:        t.PnL,
			Commission: t.Commission,
			IsWin:      t.IsWin,
			Forced:     t.Forced,
		}
	}
	return out
}

func toEquityModels(res *backtest.Result) []EquityModel {
	out := make([]EquityModel, len(res.Equity))
	for i, p := range res.Equity {
		out[i] = EquityModel{RunID: res.ID, Seq: i, TS: p.TS, Equity: p.Equity, Cash: p.Cash, InPosition: p.InPosition, Carried: p.Carried}
	}
	return out
}

func toFillModels(res *backtest.Result) []FillModel {
	out := make([]FillModel, len(res.Fills))
	for i, f := range res.Fills {
		out[i] = FillModel{
			RunID:      res.ID,
			Seq:        i,
			TS:         f.TS,
			Action:     string(f.Kind),
			Price:      f.Price,
			Amount:     f.Amount,
			Balance:    f.Balance,
			Confidence: f.Confidence,
			Mode:       f.Mode,
		}
	}
	return out
}

func toDiagnosticModels(res *backtest.Result) []DiagnosticModel {
	out := make([]DiagnosticModel, len(res.Diagnostics))
	for i, d := range res.Diagnostics {
		out[i] = DiagnosticModel{RunID: res.ID, Seq: i, Step: d.Step, TS: d.TS, Kind: string(d.Kind), Message: d.Message}
	}
	return out
}
