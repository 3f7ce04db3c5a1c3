package candles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"backlab/internal/logger"
	"backlab/internal/market"
	"backlab/internal/pkg/symbol"

	_ "modernc.org/sqlite"
)

// ErrNotFound 表示该 symbol@timeframe 尚无数据文件。
var ErrNotFound = errors.New("candle file not found")

// Manifest 记录某个 symbol@timeframe 文件的统计信息。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Store 每个 SYMBOL/timeframe 一个 sqlite 文件，按需打开并缓存连接。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("candle 目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

// Root 返回数据根目录。
func (s *Store) Root() string { return s.root }

func normalizeKey(raw, timeframe string) (string, string, error) {
	sym := symbol.Canonical(raw)
	if sym == "" || strings.ContainsAny(sym, `/\.`) {
		return "", "", fmt.Errorf("非法 symbol %q", raw)
	}
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return "", "", err
	}
	return sym, tf.Key, nil
}

// db 打开（必要时创建）文件。create=false 且文件不存在时返回 ErrNotFound，避免读请求留下空库。
func (s *Store) db(symbol, timeframe string, create bool) (*sql.DB, string, error) {
	symbol, timeframe, err := normalizeKey(symbol, timeframe)
	if err != nil {
		return nil, "", err
	}
	key := symbol + "@" + timeframe
	path := s.dbPath(symbol, timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, path, nil
	}
	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, "", fmt.Errorf("%w: %s@%s", ErrNotFound, symbol, timeframe)
			}
			return nil, "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, symbol, timeframe); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(symbol, timeframe string) string {
	return filepath.Join(s.root, symbol, timeframe+".db")
}

// InsertCandles 批量写入 K 线（重复 open_time 将被覆盖）。
// 价格或成交量非法的 K 线会让整批回滚，导入路径应先过滤。
func (s *Store) InsertCandles(ctx context.Context, symbol, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	for _, c := range candles {
		if err := c.Validate(-1); err != nil {
			return 0, fmt.Errorf("open_time=%d: %w", c.OpenTime, err)
		}
	}
	db, _, err := s.db(symbol, timeframe, true)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time,
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    trades=excluded.trades`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// ImportReport 汇总一次 CSV 导入。
type ImportReport struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Parsed    int          `json:"parsed"`
	Inserted  int          `json:"inserted"`
	Skipped   int          `json:"skipped"`
	Gaps      []market.Gap `json:"gaps,omitempty"`
	Manifest  Manifest     `json:"manifest"`
}

// ImportCSV 解析 CSV 并写入，非法行跳过并计数。
func (s *Store) ImportCSV(ctx context.Context, symbol, timeframe string, r io.Reader) (ImportReport, error) {
	symbol, tfKey, err := normalizeKey(symbol, timeframe)
	if err != nil {
		return ImportReport{}, err
	}
	tf, _ := market.ParseTimeframe(tfKey)
	series, err := market.ReadCSV(r)
	if err != nil {
		return ImportReport{}, err
	}
	report := ImportReport{Symbol: symbol, Timeframe: tfKey, Parsed: len(series)}
	valid := make(market.Series, 0, len(series))
	for _, c := range series {
		if err := c.Validate(-1); err != nil {
			report.Skipped++
			logger.Debugf("[candles] %s@%s 跳过 open_time=%d: %v", symbol, tfKey, c.OpenTime, err)
			continue
		}
		if c.CloseTime <= 0 {
			c.CloseTime = c.OpenTime + tf.Millis() - 1
		}
		valid = append(valid, c)
	}
	report.Gaps = tf.Gaps(valid)
	report.Inserted, err = s.InsertCandles(ctx, symbol, tfKey, valid)
	if err != nil {
		return report, err
	}
	if report.Inserted > 0 {
		report.Manifest, err = s.Manifest(ctx, symbol, tfKey)
		if err != nil {
			return report, err
		}
	}
	logger.Infof("[candles] 导入 %s@%s: parsed=%d inserted=%d skipped=%d gaps=%d",
		symbol, tfKey, report.Parsed, report.Inserted, report.Skipped, len(report.Gaps))
	return report, nil
}

// ImportCSVFile 是 ImportCSV 的文件版本。
func (s *Store) ImportCSVFile(ctx context.Context, symbol, timeframe, path string) (ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportReport{}, err
	}
	defer f.Close()
	return s.ImportCSV(ctx, symbol, timeframe, f)
}

func (s *Store) Manifest(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	db, path, err := s.db(symbol, timeframe, false)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT symbol,timeframe,COALESCE(min_time,0),COALESCE(max_time,0),COALESCE(rows,0),COALESCE(last_sync_at,0) FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.Symbol, &m.Timeframe, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

// ListManifests 扫描根目录下全部数据文件。
func (s *Store) ListManifests(ctx context.Context) ([]Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*.db"))
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(matches))
	for _, path := range matches {
		symbol := filepath.Base(filepath.Dir(path))
		tf := strings.TrimSuffix(filepath.Base(path), ".db")
		m, err := s.Manifest(ctx, symbol, tf)
		if err != nil {
			logger.Warnf("[candles] 读取 manifest %s 失败: %v", path, err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM candles),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM candles),
		    rows = (SELECT COUNT(1) FROM candles),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func ensureSchema(db *sql.DB, symbol, timeframe string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time  INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			trades     INTEGER DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
		`INSERT INTO manifest (id, symbol, timeframe) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, timeframe=excluded.timeframe;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, symbol, timeframe)
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

const selectColumns = `SELECT open_time, close_time, open, high, low, close, volume, trades FROM candles`

// RangeCandles 返回 [start,end] 内的全部 K 线（升序）；start/end<=0 表示该端不设限。
func (s *Store) RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) (market.Series, error) {
	db, _, err := s.db(symbol, timeframe, false)
	if err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	var rows *sql.Rows
	switch {
	case start > 0 && end > 0:
		rows, err = db.QueryContext(ctx, selectColumns+` WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC`, start, end)
	case start > 0:
		rows, err = db.QueryContext(ctx, selectColumns+` WHERE open_time >= ? ORDER BY open_time ASC`, start)
	case end > 0:
		rows, err = db.QueryContext(ctx, selectColumns+` WHERE open_time <= ? ORDER BY open_time ASC`, end)
	default:
		rows, err = db.QueryContext(ctx, selectColumns+` ORDER BY open_time ASC`)
	}
	if err != nil {
		return nil, err
	}
	return scanCandles(rows, false)
}

// QueryCandles 分页读取，limit 夹在 [1,2000]；只给 end 或都不给时返回最近的 limit 根。
func (s *Store) QueryCandles(ctx context.Context, symbol, timeframe string, start, end int64, limit int) (market.Series, error) {
	db, _, err := s.db(symbol, timeframe, false)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 2000 {
		limit = 2000
	}
	orderDesc := false
	var rows *sql.Rows
	switch {
	case start > 0 && end > 0:
		if end < start {
			start, end = end, start
		}
		rows, err = db.QueryContext(ctx, selectColumns+` WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC LIMIT ?`, start, end, limit)
	case start > 0:
		rows, err = db.QueryContext(ctx, selectColumns+` WHERE open_time >= ? ORDER BY open_time ASC LIMIT ?`, start, limit)
	case end > 0:
		rows, err = db.QueryContext(ctx, selectColumns+` WHERE open_time <= ? ORDER BY open_time DESC LIMIT ?`, end, limit)
		orderDesc = true
	default:
		rows, err = db.QueryContext(ctx, selectColumns+` ORDER BY open_time DESC LIMIT ?`, limit)
		orderDesc = true
	}
	if err != nil {
		return nil, err
	}
	return scanCandles(rows, orderDesc)
}

func scanCandles(rows *sql.Rows, reverse bool) (market.Series, error) {
	defer rows.Close()
	var list market.Series
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}
	return list, nil
}

// Integrity 描述区间内的数据完整性。
type Integrity struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Start     int64        `json:"start"`
	End       int64        `json:"end"`
	Expected  int64        `json:"expected"`
	Actual    int64        `json:"actual"`
	Gaps      []market.Gap `json:"gaps,omitempty"`
}

// Complete 表示区间内没有缺失。
func (i Integrity) Complete() bool {
	return i.Actual >= i.Expected && len(i.Gaps) == 0
}

// CheckIntegrity 对齐区间后比较期望根数与实际根数，并列出缺口。
// start/end<=0 时使用 manifest 记录的范围。
func (s *Store) CheckIntegrity(ctx context.Context, symbol, timeframe string, start, end int64) (Integrity, error) {
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return Integrity{}, err
	}
	m, err := s.Manifest(ctx, symbol, tf.Key)
	if err != nil {
		return Integrity{}, err
	}
	if start <= 0 {
		start = m.MinTime
	}
	if end <= 0 {
		end = m.MaxTime
	}
	start, end = tf.AlignRange(start, end)
	series, err := s.RangeCandles(ctx, symbol, tf.Key, start, end)
	if err != nil {
		return Integrity{}, err
	}
	out := Integrity{
		Symbol:    m.Symbol,
		Timeframe: tf.Key,
		Start:     start,
		End:       end,
		Expected:  tf.ExpectedCandles(start, end),
		Actual:    int64(len(series)),
		Gaps:      tf.Gaps(series),
	}
	if len(series) > 0 {
		first, last := series[0].OpenTime, series[len(series)-1].OpenTime
		if first > start {
			out.Gaps = append([]market.Gap{{From: start, To: first - tf.Millis()}}, out.Gaps...)
		}
		if last < end {
			out.Gaps = append(out.Gaps, market.Gap{From: last + tf.Millis(), To: end})
		}
	} else if m.Rows > 0 {
		out.Gaps = []market.Gap{{From: start, To: end}}
	}
	return out, nil
}
