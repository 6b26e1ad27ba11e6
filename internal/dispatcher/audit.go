package dispatcher

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chainweave/indexor/pkg/chain"
)

const auditTableDDL = `CREATE TABLE IF NOT EXISTS _dispatch_audit (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_id INTEGER NOT NULL,
	source_name TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	log_index INTEGER NOT NULL,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	prev_existed INTEGER NOT NULL,
	prev_data TEXT
)`

const dispatchLogDDL = `CREATE TABLE IF NOT EXISTS _dispatch_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_id INTEGER NOT NULL,
	source_name TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	log_index INTEGER NOT NULL
)`

// txAuditRecorder is the per-dispatch-transaction AuditRecorder: it tags
// every prior-state row with the event currently being dispatched, so a
// later reorg rollback knows which entries to undo and in what order.
type txAuditRecorder struct {
	tx          *sql.Tx
	chainID     uint64
	sourceName  string
	blockNumber uint64
	logIndex    uint
}

// newAuditRecorder creates the audit table if needed and returns a recorder
// scoped to one event's dispatch transaction.
func newAuditRecorder(tx *sql.Tx, chainID uint64, sourceName string, blockNumber uint64, logIndex uint) (*txAuditRecorder, error) {
	if _, err := tx.Exec(auditTableDDL); err != nil {
		return nil, fmt.Errorf("dispatcher: create audit table: %w", err)
	}
	return &txAuditRecorder{tx: tx, chainID: chainID, sourceName: sourceName, blockNumber: blockNumber, logIndex: logIndex}, nil
}

// RecordMutation implements handler.AuditRecorder.
func (a *txAuditRecorder) RecordMutation(tableName, rowID string, prevData map[string]any, prevExisted bool) error {
	var encoded []byte
	if prevExisted {
		var err error
		encoded, err = json.Marshal(prevData)
		if err != nil {
			return fmt.Errorf("dispatcher: encode audit entry: %w", err)
		}
	}
	_, err := a.tx.Exec(
		`INSERT INTO _dispatch_audit (chain_id, source_name, block_number, log_index, table_name, row_id, prev_existed, prev_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.chainID, a.sourceName, a.blockNumber, a.logIndex, tableName, rowID, prevExisted, string(encoded))
	if err != nil {
		return fmt.Errorf("dispatcher: record audit entry: %w", err)
	}
	return nil
}

// recordDispatchEntry logs that (blockNumber, logIndex) was committed for
// sourceName, independent of whether the handler mutated any table. This is
// the ledger a reorg rollback consults to find the greatest surviving
// checkpoint, since an event that touches no table leaves no audit row.
func recordDispatchEntry(tx *sql.Tx, chainID uint64, sourceName string, blockNumber uint64, logIndex uint) error {
	if _, err := tx.Exec(dispatchLogDDL); err != nil {
		return fmt.Errorf("dispatcher: create dispatch log table: %w", err)
	}
	_, err := tx.Exec(
		`INSERT INTO _dispatch_log (chain_id, source_name, block_number, log_index) VALUES (?, ?, ?, ?)`,
		chainID, sourceName, blockNumber, logIndex)
	if err != nil {
		return fmt.Errorf("dispatcher: record dispatch entry: %w", err)
	}
	return nil
}

// greatestCheckpointBefore returns the latest (blockNumber, logIndex)
// committed for sourceName strictly before fromBlock, or the zero
// checkpoint if nothing survives the rollback.
func greatestCheckpointBefore(tx *sql.Tx, chainID uint64, sourceName string, fromBlock uint64) (chain.Checkpoint, error) {
	cp := chain.Checkpoint{ChainID: chainID, SourceName: sourceName}
	row := tx.QueryRow(
		`SELECT block_number, log_index FROM _dispatch_log
		 WHERE chain_id = ? AND source_name = ? AND block_number < ?
		 ORDER BY block_number DESC, log_index DESC LIMIT 1`,
		chainID, sourceName, fromBlock)

	err := row.Scan(&cp.LastBlockNumber, &cp.LastLogIndex)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("dispatcher: find surviving checkpoint for %s: %w", sourceName, err)
	}
	return cp, nil
}

// replayAudit undoes every mutation recorded at or after fromBlock, in
// reverse commit order, restoring each row's prior state (or deleting it if
// it didn't exist before its first audited mutation), then purges the
// entries it just replayed.
func replayAudit(tx *sql.Tx, chainID uint64, fromBlock uint64) error {
	if _, err := tx.Exec(auditTableDDL); err != nil {
		return fmt.Errorf("dispatcher: create audit table: %w", err)
	}

	rows, err := tx.Query(
		`SELECT table_name, row_id, prev_existed, prev_data FROM _dispatch_audit
		 WHERE chain_id = ? AND block_number >= ? ORDER BY seq DESC`,
		chainID, fromBlock)
	if err != nil {
		return fmt.Errorf("dispatcher: query audit log: %w", err)
	}

	type entry struct {
		table, id string
		existed   bool
		data      sql.NullString
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.table, &e.id, &e.existed, &e.data); err != nil {
			rows.Close()
			return fmt.Errorf("dispatcher: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range entries {
		if !isValidTableFragment(e.table) {
			return fmt.Errorf("dispatcher: invalid audited table name %q", e.table)
		}
		tableName := "user_" + e.table

		if e.existed {
			_, err := tx.Exec(fmt.Sprintf(
				`INSERT INTO %s (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, tableName),
				e.id, e.data.String)
			if err != nil {
				return fmt.Errorf("dispatcher: restore %s/%s: %w", e.table, e.id, err)
			}
		} else {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tableName), e.id); err != nil {
				return fmt.Errorf("dispatcher: undo create %s/%s: %w", e.table, e.id, err)
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM _dispatch_audit WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlock); err != nil {
		return fmt.Errorf("dispatcher: prune audit log: %w", err)
	}
	return nil
}

func pruneDispatchLog(tx *sql.Tx, chainID uint64, fromBlock uint64) error {
	_, err := tx.Exec(`DELETE FROM _dispatch_log WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlock)
	if err != nil {
		return fmt.Errorf("dispatcher: prune dispatch log: %w", err)
	}
	return nil
}

func isValidTableFragment(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return false
	}
	return true
}
