package dispatcher

import (
	"context"
	"database/sql"
	"math/big"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/chainweave/indexor/internal/livefollower"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/handler"
)

const transferABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":false,"name":"to","type":"address"}],"name":"Transfer","type":"event"}]`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE checkpoints (
		chain_id INTEGER NOT NULL, source_name TEXT NOT NULL,
		block_number INTEGER NOT NULL, log_index INTEGER NOT NULL,
		PRIMARY KEY (chain_id, source_name)
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE transactions (
		chain_id INTEGER NOT NULL, hash TEXT NOT NULL, block_hash TEXT NOT NULL,
		block_number INTEGER NOT NULL, tx_index INTEGER NOT NULL,
		from_address TEXT NOT NULL, to_address TEXT,
		PRIMARY KEY (chain_id, hash)
	)`)
	require.NoError(t, err)
	return db
}

// fakeStore adapts a raw *sql.DB to the CacheStore interface.
type fakeStore struct{ db *sql.DB }

func (s *fakeStore) BeginDispatchTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *fakeStore) GetTransaction(ctx context.Context, chainID uint64, hash string) (*chain.CachedTransaction, error) {
	return nil, nil
}

// fakeStream is a controllable EventStream for dispatcher tests.
type fakeStream struct {
	events       chan chain.Event
	paused       bool
	resetCalls   []string
	resumeCalls  int
	pauseCalls   int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan chain.Event, 16)}
}

func (s *fakeStream) Events() <-chan chain.Event { return s.events }
func (s *fakeStream) Pause()                     { s.paused = true; s.pauseCalls++ }
func (s *fakeStream) Resume()                    { s.paused = false; s.resumeCalls++ }
func (s *fakeStream) ResetCursor(_ context.Context, _ uint64, sourceName string) error {
	s.resetCalls = append(s.resetCalls, sourceName)
	return nil
}

// recordingHandler captures every OnEvent invocation and optionally mutates
// a table so audit/rollback behavior can be exercised.
type recordingHandler struct {
	setupCalls int
	onEvents   []chain.Event
	mutate     func(hc *handler.Context, event chain.Event) error
	failUntil  int
	calls      int
}

func (h *recordingHandler) Setup(_ context.Context, hc *handler.Context) error {
	h.setupCalls++
	return nil
}

func (h *recordingHandler) OnEvent(_ context.Context, hc *handler.Context, event chain.Event) error {
	h.calls++
	h.onEvents = append(h.onEvents, event)
	if h.failUntil >= h.calls {
		return assertError
	}
	if h.mutate != nil {
		return h.mutate(hc, event)
	}
	return nil
}

var assertError = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func buildResolver(t *testing.T, filter []string) *sourceresolver.Resolver {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(transferABIJSON))
	require.NoError(t, err)

	addr := common.HexToAddress("0xabc0000000000000000000000000000000abc0")
	src := &chain.Source{
		Name:       "transfers",
		Network:    "mainnet",
		Kind:       chain.SourceStatic,
		ABI:        parsed,
		Filter:     filter,
		Addresses:  []common.Address{addr},
		StartBlock: 1,
	}
	return sourceresolver.NewResolver(map[string]*chain.Source{"transfers": src})
}

func buildLog(t *testing.T, parsed abi.ABI, id int64, to common.Address, blockNumber uint64, logIndex uint) chain.CachedLog {
	t.Helper()
	topic0 := parsed.Events["Transfer"].ID
	topic1 := common.BigToHash(big.NewInt(id))
	data := common.LeftPadBytes(to.Bytes(), 32)

	return chain.CachedLog{
		ChainID:     1,
		BlockHash:   common.HexToHash("0xblock"),
		BlockNumber: blockNumber,
		LogIndex:    logIndex,
		Address:     to,
		Topic0:      &topic0,
		Topic1:      &topic1,
		Data:        data,
		TxHash:      common.HexToHash("0xtx"),
		TxIndex:     0,
	}
}

func newTestDispatcher(t *testing.T, db *sql.DB, stream *fakeStream, h handler.Handler, filter []string) *Dispatcher {
	t.Helper()
	resolver := buildResolver(t, filter)
	return New(Config{
		Network:  "mainnet",
		ChainID:  1,
		Cache:    &fakeStore{db: db},
		Resolver: resolver,
		Stream:   stream,
		Reorgs:   make(chan livefollower.ReorgEvent),
		Contracts: map[string]handler.ContractInfo{},
		Sources:   []SourceBinding{{Name: "transfers", Handler: h}},
		Log:       logger.NewNopLogger(),
	})
}

func TestDispatch_DecodesAndCommitsCheckpoint(t *testing.T) {
	db := openTestDB(t)
	stream := newFakeStream()
	parsed, _ := abi.JSON(strings.NewReader(transferABIJSON))
	to := common.HexToAddress("0xdef0000000000000000000000000000000def0")

	h := &recordingHandler{}
	d := newTestDispatcher(t, db, stream, h, nil)

	event := chain.Event{
		SourceName: "transfers",
		ChainID:    1,
		Log:        buildLog(t, parsed, 7, to, 100, 2),
		Block:      chain.CachedBlock{ChainID: 1, Number: 100},
	}
	require.NoError(t, d.dispatch(context.Background(), event))

	require.Len(t, h.onEvents, 1)
	require.Equal(t, "Transfer", h.onEvents[0].EventName)
	require.Equal(t, big.NewInt(7), h.onEvents[0].Args["id"])
	require.Equal(t, strings.ToLower(to.Hex()), h.onEvents[0].Args["to"])
	require.Equal(t, 1, h.setupCalls)

	var blockNumber, logIndex uint64
	require.NoError(t, db.QueryRow(`SELECT block_number, log_index FROM checkpoints WHERE chain_id = 1 AND source_name = 'transfers'`).
		Scan(&blockNumber, &logIndex))
	require.Equal(t, uint64(100), blockNumber)
	require.Equal(t, uint64(2), logIndex)
}

func TestDispatch_SkipsHandlerWhenFilteredOutButStillAdvancesCheckpoint(t *testing.T) {
	db := openTestDB(t)
	stream := newFakeStream()
	parsed, _ := abi.JSON(strings.NewReader(transferABIJSON))
	to := common.HexToAddress("0xdef0000000000000000000000000000000def0")

	h := &recordingHandler{}
	d := newTestDispatcher(t, db, stream, h, []string{"SomeOtherEvent"})

	event := chain.Event{
		SourceName: "transfers",
		ChainID:    1,
		Log:        buildLog(t, parsed, 7, to, 100, 2),
	}
	require.NoError(t, d.dispatch(context.Background(), event))

	require.Empty(t, h.onEvents)

	var blockNumber uint64
	require.NoError(t, db.QueryRow(`SELECT block_number FROM checkpoints WHERE source_name = 'transfers'`).Scan(&blockNumber))
	require.Equal(t, uint64(100), blockNumber)
}

func TestDispatch_RetryableHandlerRetriesThenSucceeds(t *testing.T) {
	db := openTestDB(t)
	stream := newFakeStream()
	parsed, _ := abi.JSON(strings.NewReader(transferABIJSON))
	to := common.HexToAddress("0xdef0000000000000000000000000000000def0")

	inner := &recordingHandler{failUntil: 2}
	h := &retryableHandler{recordingHandler: inner, maxAttempts: 3}
	d := newTestDispatcher(t, db, stream, h, nil)

	event := chain.Event{
		SourceName: "transfers",
		ChainID:    1,
		Log:        buildLog(t, parsed, 7, to, 100, 0),
	}
	require.NoError(t, d.dispatch(context.Background(), event))
	require.Equal(t, 3, inner.calls)
}

func TestDispatch_NonRetryableHandlerFailureIsFatal(t *testing.T) {
	db := openTestDB(t)
	stream := newFakeStream()
	parsed, _ := abi.JSON(strings.NewReader(transferABIJSON))
	to := common.HexToAddress("0xdef0000000000000000000000000000000def0")

	h := &recordingHandler{failUntil: 1}
	d := newTestDispatcher(t, db, stream, h, nil)

	event := chain.Event{
		SourceName: "transfers",
		ChainID:    1,
		Log:        buildLog(t, parsed, 7, to, 100, 0),
	}
	err := d.dispatch(context.Background(), event)
	require.Error(t, err)
}

func TestHandleReorg_RollsBackMutationAndCheckspoint(t *testing.T) {
	db := openTestDB(t)
	stream := newFakeStream()
	parsed, _ := abi.JSON(strings.NewReader(transferABIJSON))
	to := common.HexToAddress("0xdef0000000000000000000000000000000def0")

	h := &recordingHandler{
		mutate: func(hc *handler.Context, event chain.Event) error {
			table, err := hc.DB.Table("balances")
			if err != nil {
				return err
			}
			id := event.Args["id"].(*big.Int).String()
			return table.Upsert(id, map[string]any{"balance": float64(1)}, func(cur map[string]any) map[string]any {
				bal := cur["balance"].(float64)
				return map[string]any{"balance": bal + 1}
			})
		},
	}
	d := newTestDispatcher(t, db, stream, h, nil)
	ctx := context.Background()

	for blockNumber := uint64(100); blockNumber <= uint64(102); blockNumber++ {
		event := chain.Event{
			SourceName: "transfers",
			ChainID:    1,
			Log:        buildLog(t, parsed, 7, to, blockNumber, 0),
		}
		require.NoError(t, d.dispatch(ctx, event))
	}

	require.NoError(t, d.handleReorg(ctx, livefollower.ReorgEvent{ChainID: 1, FromBlock: 101}))

	require.True(t, stream.paused == false, "stream should have resumed after rollback")
	require.Equal(t, 1, stream.pauseCalls)
	require.Equal(t, 1, stream.resumeCalls)
	require.Contains(t, stream.resetCalls, "transfers")

	var blockNumber uint64
	require.NoError(t, db.QueryRow(`SELECT block_number FROM checkpoints WHERE source_name = 'transfers'`).Scan(&blockNumber))
	require.Equal(t, uint64(100), blockNumber)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	table, err := handler.NewDB(tx, nil).Table("balances")
	require.NoError(t, err)
	row, ok, err := table.FindUnique("7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(1), row.Data["balance"])
}

// retryableHandler wraps recordingHandler to implement RetryableHandler.
type retryableHandler struct {
	*recordingHandler
	maxAttempts int
}

func (h *retryableHandler) RetryPolicy() handler.RetryPolicy {
	return handler.RetryPolicy{MaxAttempts: h.maxAttempts}
}
