// Package persistence archives a run: a SQLite transcript of events,
// messages, trades and daily agent snapshots, plus a compressed JSONL event
// log. The archive is written for later study and never read back to resume.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/chat"
	"github.com/talgya/cavesim/internal/engine"
)

// DB wraps a SQLite connection holding the run transcript.
type DB struct {
	conn *sqlx.DB

	mu      sync.Mutex
	lastSeq uint64 // highest message seq already saved
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: the recorder and the day checkpoint write from
	// different goroutines and must queue rather than hit SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		day INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		room_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		day INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_by TEXT NOT NULL,
		human_joined INTEGER NOT NULL,
		human_aware INTEGER NOT NULL,
		members_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		proposer TEXT NOT NULL,
		target TEXT NOT NULL,
		offer_cans INTEGER NOT NULL,
		offer_water INTEGER NOT NULL,
		want_cans INTEGER NOT NULL,
		want_water INTEGER NOT NULL,
		room_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_day INTEGER NOT NULL,
		created_tick INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_days (
		day INTEGER NOT NULL,
		name TEXT NOT NULL,
		alive INTEGER NOT NULL,
		cans INTEGER NOT NULL,
		water INTEGER NOT NULL,
		days_survived INTEGER NOT NULL,
		memory_count INTEGER NOT NULL,
		relationships_json TEXT NOT NULL,
		PRIMARY KEY (day, name)
	);

	CREATE TABLE IF NOT EXISTS run_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_day ON events(day, tick);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, seq);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveEvents appends events to the database.
func (db *DB) SaveEvents(events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		_, err := tx.Exec(
			"INSERT INTO events (type, content, day, tick, timestamp) VALUES (?, ?, ?, ?, ?)",
			e.Type, e.Content, e.Day, e.Tick, e.Timestamp.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveMessages appends messages. Messages already stored are skipped.
func (db *DB) SaveMessages(msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT OR IGNORE INTO messages
		(id, seq, room_id, sender, content, day, tick, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.Exec(m.ID, m.Seq, m.RoomID, m.Sender, m.Content, m.Day, m.Tick, m.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// SaveRooms writes the current room list (full replace).
func (db *DB) SaveRooms(rooms []chat.Room) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM rooms"); err != nil {
		return err
	}
	for _, r := range rooms {
		members, _ := json.Marshal(r.Members)
		_, err := tx.Exec(`INSERT INTO rooms
			(id, name, created_by, human_joined, human_aware, members_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.CreatedBy, r.HumanJoined, r.HumanAware, string(members),
		)
		if err != nil {
			return fmt.Errorf("insert room %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// SaveTrades upserts trades; a trade's row follows its status.
func (db *DB) SaveTrades(trades []engine.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range trades {
		_, err := tx.Exec(`INSERT OR REPLACE INTO trades
			(id, proposer, target, offer_cans, offer_water, want_cans, want_water,
			 room_id, status, created_day, created_tick)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.From, t.To, t.Offer.Cans, t.Offer.Water, t.Want.Cans, t.Want.Water,
			t.RoomID, string(t.Status), t.CreatedDay, t.CreatedTick,
		)
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// SaveAgentDay records every agent's state at the end of day.
func (db *DB) SaveAgentDay(day int, statuses []agents.Status) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range statuses {
		rels, _ := json.Marshal(s.Relationships)
		_, err := tx.Exec(`INSERT OR REPLACE INTO agent_days
			(day, name, alive, cans, water, days_survived, memory_count, relationships_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			day, s.Name, s.Alive, s.Cans, s.Water, s.DaysSurvived, s.MemoryCount, string(rels),
		)
		if err != nil {
			return fmt.Errorf("insert agent %s: %w", s.Name, err)
		}
	}

	return tx.Commit()
}

// SaveMeta stores a key-value pair in run metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO run_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM run_meta WHERE key = ?", key)
	return value, err
}

// SaveDay checkpoints the transcript after day: messages not yet stored,
// rooms, trades, and each agent's state.
func (db *DB) SaveDay(sim *engine.Simulation, day int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var fresh []chat.Message
	for _, m := range sim.Chat.AllMessages() {
		if m.Seq > db.lastSeq {
			fresh = append(fresh, m)
		}
	}

	snap := sim.Snapshot()
	statuses := make([]agents.Status, 0, len(snap.Agents))
	for _, name := range sim.AgentNames() {
		statuses = append(statuses, snap.Agents[name])
	}

	slog.Info("archiving day", "day", day+1, "messages", len(fresh), "trades", len(snap.Trades))

	if err := db.SaveMessages(fresh); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	if len(fresh) > 0 {
		db.lastSeq = fresh[len(fresh)-1].Seq
	}
	if err := db.SaveRooms(snap.Rooms); err != nil {
		return fmt.Errorf("save rooms: %w", err)
	}
	if err := db.SaveTrades(snap.Trades); err != nil {
		return fmt.Errorf("save trades: %w", err)
	}
	if err := db.SaveAgentDay(day, statuses); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	if err := db.SaveMeta("last_day", strconv.Itoa(day)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return nil
}

// SaveFinal checkpoints the run once the engine has stopped. A run stopped
// mid-day is saved under the day in progress; after a completed day the
// last played day is saved again, never the day that was about to begin.
func (db *DB) SaveFinal(sim *engine.Simulation) error {
	clk := sim.Clock()
	day := clk.Day
	if clk.Tick == 0 && day > 0 {
		day--
	}
	return db.SaveDay(sim, day)
}

// StoredEvent is an event row.
type StoredEvent struct {
	Type    string `db:"type"`
	Content string `db:"content"`
	Day     int    `db:"day"`
	Tick    int    `db:"tick"`
}

// RecentEvents returns the most recent N events, newest first.
func (db *DB) RecentEvents(limit int) ([]StoredEvent, error) {
	var events []StoredEvent
	err := db.conn.Select(&events,
		"SELECT type, content, day, tick FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	return events, err
}

// AgentDay is one row of the daily agent ledger.
type AgentDay struct {
	Day          int    `db:"day"`
	Name         string `db:"name"`
	Alive        bool   `db:"alive"`
	Cans         int    `db:"cans"`
	Water        int    `db:"water"`
	DaysSurvived int    `db:"days_survived"`
}

// AgentDays returns the agent rows recorded for day, ordered by name.
func (db *DB) AgentDays(day int) ([]AgentDay, error) {
	var rows []AgentDay
	err := db.conn.Select(&rows,
		"SELECT day, name, alive, cans, water, days_survived FROM agent_days WHERE day = ? ORDER BY name",
		day,
	)
	return rows, err
}

// MessageCount returns how many messages are stored for a room.
func (db *DB) MessageCount(roomID string) (int, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID)
	return n, err
}

// TradeStatus returns the stored status of a trade.
func (db *DB) TradeStatus(id string) (string, error) {
	var status string
	err := db.conn.Get(&status, "SELECT status FROM trades WHERE id = ?", id)
	return status, err
}
