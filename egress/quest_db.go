package egress

import (
	"context"
	"fmt"
	"iter"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
	qdb "github.com/questdb/go-questdb-client/v3"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the QuestDB egress handler configuration.
const (
	DefaultQuestDBConfigAddress       = "localhost:9000"
	DefaultQuestDBConfigAutoFlushRows = 75_000
	DefaultQuestDBConfigRetryTimeout  = time.Second
)

// QuestDBConfig structs contains the configuration for the QuestDB egress handler.
type QuestDBConfig struct {
	*config.Base

	// Address of the QuestDB server.
	//
	// Default: "localhost:9000"
	Address string

	// AutoFlushRows is the number of rows that triggers a flush
	// before the end of the batch.
	//
	// Default: 75_000
	AutoFlushRows int

	// RetryTimeout is the maximum time spent retrying a failed flush.
	//
	// Default: 1s
	RetryTimeout time.Duration
}

// NewQuestDBConfig returns the default configuration for the QuestDB egress handler.
func NewQuestDBConfig(runningMode config.StageRunningMode) *QuestDBConfig {
	return &QuestDBConfig{
		Base: config.NewBase(runningMode),

		Address:       DefaultQuestDBConfigAddress,
		AutoFlushRows: DefaultQuestDBConfigAutoFlushRows,
		RetryTimeout:  DefaultQuestDBConfigRetryTimeout,
	}
}

// Validate checks the configuration.
func (c *QuestDBConfig) Validate(ac *config.AnomalyCollector) {
	c.Base.Validate(ac)

	config.CheckNotEmpty(ac, "Address", &c.Address, DefaultQuestDBConfigAddress)

	config.CheckPositive(ac, "AutoFlushRows", &c.AutoFlushRows, DefaultQuestDBConfigAutoFlushRows)

	config.CheckNotNegative(ac, "RetryTimeout", &c.RetryTimeout, DefaultQuestDBConfigRetryTimeout)
}

///////////////
//  MESSAGE  //
///////////////

var _ message.Resettable = (*QuestDBMessage)(nil)

// QuestDBMessage represents a QuestDB message.
// It contains the definition of the rows and columns to be inserted
// into the database.
type QuestDBMessage struct {
	rows []*QuestDBRow
}

// NewQuestDBMessage returns a new QuestDB message.
// It can be used as the payload factory of a ring buffer.
func NewQuestDBMessage() *QuestDBMessage {
	return &QuestDBMessage{}
}

// Reset removes the rows of the message.
func (qm *QuestDBMessage) Reset() {
	clear(qm.rows)
	qm.rows = qm.rows[:0]
}

// AddRow adds a row to the message.
func (qm *QuestDBMessage) AddRow(row *QuestDBRow) {
	qm.rows = append(qm.rows, row)
}

// AddRows adds multiple rows to the message.
func (qm *QuestDBMessage) AddRows(rows ...*QuestDBRow) {
	qm.rows = append(qm.rows, rows...)
}

// GetRows returns the rows of the message.
func (qm *QuestDBMessage) GetRows() []*QuestDBRow {
	return qm.rows
}

func (qm *QuestDBMessage) iterRows() iter.Seq[*QuestDBRow] {
	return slices.Values(qm.rows)
}

// QuestDBColumnType represents the type of a column.
// It does not include the symbol column since it is defined
// as a stand-alone struct in the row.
type QuestDBColumnType int

const (
	// QuestDBColumnTypeBool defines a boolean column.
	QuestDBColumnTypeBool QuestDBColumnType = iota
	// QuestDBColumnTypeInt defines an integer column.
	QuestDBColumnTypeInt
	// QuestDBColumnTypeLong defines a long integer column.
	QuestDBColumnTypeLong
	// QuestDBColumnTypeFloat defines a float column.
	QuestDBColumnTypeFloat
	// QuestDBColumnTypeString defines a string column.
	QuestDBColumnTypeString
	// QuestDBColumnTypeTimestamp defines a timestamp column.
	QuestDBColumnTypeTimestamp
)

// QuestDBColumn represents a column of a row.
type QuestDBColumn struct {
	name  string
	typ   QuestDBColumnType
	value any
}

func newQuestDBColumn(name string, typ QuestDBColumnType, value any) QuestDBColumn {
	return QuestDBColumn{
		name:  name,
		typ:   typ,
		value: value,
	}
}

// NewQuestDBBoolColumn returns a new boolean column.
func NewQuestDBBoolColumn(name string, value bool) QuestDBColumn {
	return newQuestDBColumn(name, QuestDBColumnTypeBool, value)
}

// NewQuestDBIntColumn returns a new integer column.
func NewQuestDBIntColumn(name string, value int64) QuestDBColumn {
	return newQuestDBColumn(name, QuestDBColumnTypeInt, value)
}

// NewQuestDBLongColumn returns a new long integer column.
func NewQuestDBLongColumn(name string, value *big.Int) QuestDBColumn {
	return newQuestDBColumn(name, QuestDBColumnTypeLong, value)
}

// NewQuestDBFloatColumn returns a new float column.
func NewQuestDBFloatColumn(name string, value float64) QuestDBColumn {
	return newQuestDBColumn(name, QuestDBColumnTypeFloat, value)
}

// NewQuestDBStringColumn returns a new string column.
func NewQuestDBStringColumn(name string, value string) QuestDBColumn {
	return newQuestDBColumn(name, QuestDBColumnTypeString, value)
}

// NewQuestDBTimestampColumn returns a new timestamp column.
func NewQuestDBTimestampColumn(name string, value time.Time) QuestDBColumn {
	return newQuestDBColumn(name, QuestDBColumnTypeTimestamp, value)
}

// GetName returns the name of the column.
func (qc QuestDBColumn) GetName() string {
	return qc.name
}

// GetType returns the type of the column.
func (qc QuestDBColumn) GetType() QuestDBColumnType {
	return qc.typ
}

// GetValue returns the value of the column.
func (qc QuestDBColumn) GetValue() any {
	return qc.value
}

// QuestDBSymbol represents a symbol column.
// It is defined as a stand-alone struct because a symbol column
// must be inserted before any other column.
type QuestDBSymbol struct {
	name  string
	value string
}

// NewQuestDBSymbol returns a new symbol.
func NewQuestDBSymbol(name string, value string) QuestDBSymbol {
	return QuestDBSymbol{
		name:  name,
		value: value,
	}
}

// GetName returns the name of the symbol.
func (qs QuestDBSymbol) GetName() string {
	return qs.name
}

// GetValue returns the value of the symbol.
func (qs QuestDBSymbol) GetValue() string {
	return qs.value
}

// QuestDBRow represents a row to be inserted into the database.
type QuestDBRow struct {
	table   string
	symbols []QuestDBSymbol
	columns []QuestDBColumn
}

// NewQuestDBRow returns a new row.
func NewQuestDBRow(table string) *QuestDBRow {
	return &QuestDBRow{
		table: table,
	}
}

// AddSymbol adds a symbol to the row.
func (qr *QuestDBRow) AddSymbol(symbol QuestDBSymbol) {
	qr.symbols = append(qr.symbols, symbol)
}

// AddSymbols adds multiple symbols to the row.
func (qr *QuestDBRow) AddSymbols(symbols ...QuestDBSymbol) {
	qr.symbols = append(qr.symbols, symbols...)
}

// AddColumn adds a column to the row.
func (qr *QuestDBRow) AddColumn(column QuestDBColumn) {
	qr.columns = append(qr.columns, column)
}

// AddColumns adds multiple columns to the row.
func (qr *QuestDBRow) AddColumns(columns ...QuestDBColumn) {
	qr.columns = append(qr.columns, columns...)
}

// GetTable returns the table of the row.
func (qr *QuestDBRow) GetTable() string {
	return qr.table
}

///////////////
//  HANDLER  //
///////////////

// QuestDBHandler is an egress handler that inserts the rows
// of the messages into QuestDB with the InfluxDB line protocol.
// The rows are sent at the end of each batch.
type QuestDBHandler struct {
	stage.HandlerBase

	cfg *QuestDBConfig

	senderPool *qdb.LineSenderPool

	senderMux sync.Mutex
	sender    qdb.LineSender

	// Metrics
	insertedRows atomic.Int64
	flushErrors  atomic.Int64
}

// NewQuestDBHandler returns a new QuestDB egress handler.
func NewQuestDBHandler(cfg *QuestDBConfig) *QuestDBHandler {
	return &QuestDBHandler{
		cfg: cfg,
	}
}

// Name returns the name of the handler.
func (qh *QuestDBHandler) Name() string {
	return "questdb"
}

// Init creates the sender pool and takes a sender from it.
func (qh *QuestDBHandler) Init(ctx context.Context) error {
	config.NewValidator(qh.Tel).Validate(qh.cfg)

	senderPool, err := qdb.PoolFromOptions(
		qdb.WithAddress(qh.cfg.Address),
		qdb.WithHttp(),
		qdb.WithAutoFlushRows(qh.cfg.AutoFlushRows),
		qdb.WithRetryTimeout(qh.cfg.RetryTimeout),
	)
	if err != nil {
		return err
	}
	qh.senderPool = senderPool

	sender, err := senderPool.Sender(ctx)
	if err != nil {
		return err
	}
	qh.sender = sender

	qh.Tel.NewCounter("inserted_rows", qh.insertedRows.Load)
	qh.Tel.NewCounter("flush_errors", qh.flushErrors.Load)

	return nil
}

// Handle adds the rows of the message to the sender buffer.
func (qh *QuestDBHandler) Handle(ctx context.Context, msg *message.Message[*QuestDBMessage], endOfBatch bool) error {
	ctx, span := qh.Tel.NewTrace(ctx, "deliver QuestDB rows")
	defer span.End()

	qh.senderMux.Lock()
	defer qh.senderMux.Unlock()

	insertedRows, err := writeQuestDBRows(ctx, qh.sender, msg.GetPayload(), msg.GetTimestamp())
	qh.insertedRows.Add(int64(insertedRows))
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("inserted_rows", insertedRows))

	if endOfBatch {
		return qh.flush(ctx)
	}

	return nil
}

func writeQuestDBRows(ctx context.Context, sender qdb.LineSender, qdbMsg *QuestDBMessage, timestamp time.Time) (int, error) {
	insertedRows := 0
	for row := range qdbMsg.iterRows() {
		query := sender.Table(row.table)

		for _, symbol := range row.symbols {
			query.Symbol(symbol.name, symbol.value)
		}

		for _, col := range row.columns {
			switch col.typ {
			case QuestDBColumnTypeBool:
				query.BoolColumn(col.name, col.value.(bool))
			case QuestDBColumnTypeInt:
				query.Int64Column(col.name, col.value.(int64))
			case QuestDBColumnTypeLong:
				query.Long256Column(col.name, col.value.(*big.Int))
			case QuestDBColumnTypeFloat:
				query.Float64Column(col.name, col.value.(float64))
			case QuestDBColumnTypeString:
				query.StringColumn(col.name, col.value.(string))
			case QuestDBColumnTypeTimestamp:
				query.TimestampColumn(col.name, col.value.(time.Time))
			default:
				return insertedRows, fmt.Errorf("egress: unknown QuestDB column type %d", col.typ)
			}
		}

		var err error
		if timestamp.IsZero() {
			err = query.AtNow(ctx)
		} else {
			err = query.At(ctx, timestamp)
		}
		if err != nil {
			return insertedRows, err
		}

		insertedRows++
	}

	return insertedRows, nil
}

// Flush sends the buffered rows.
func (qh *QuestDBHandler) Flush(ctx context.Context) error {
	qh.senderMux.Lock()
	defer qh.senderMux.Unlock()

	return qh.flush(ctx)
}

func (qh *QuestDBHandler) flush(ctx context.Context) error {
	if err := qh.sender.Flush(ctx); err != nil {
		qh.flushErrors.Add(1)
		return err
	}
	return nil
}

// InsertedRows returns the number of rows added to the sender.
func (qh *QuestDBHandler) InsertedRows() int64 {
	return qh.insertedRows.Load()
}

// Close flushes and releases the sender, then closes the pool.
func (qh *QuestDBHandler) Close(ctx context.Context) error {
	if qh.senderPool == nil {
		return nil
	}

	if qh.sender != nil {
		if err := qh.sender.Close(ctx); err != nil {
			qh.Tel.LogError("failed to close sender", err)
		}
	}

	return qh.senderPool.Close(ctx)
}
