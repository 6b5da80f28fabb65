package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS watchlist (
		content_id TEXT PRIMARY KEY,
		media_kind TEXT NOT NULL,
		title TEXT NOT NULL,
		poster_url TEXT DEFAULT '',
		added_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS watched_episodes (
		content_id TEXT NOT NULL,
		season INTEGER NOT NULL,
		episode INTEGER NOT NULL,
		watched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (content_id, season, episode)
	);

	CREATE TABLE IF NOT EXISTS playback_progress (
		content_id TEXT NOT NULL,
		media_kind TEXT NOT NULL,
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		fraction REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (content_id, season, episode)
	);

	CREATE INDEX IF NOT EXISTS idx_progress_updated ON playback_progress(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_watched_content ON watched_episodes(content_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Watchlist

func (s *SQLiteStorage) AddToWatchlist(item *WatchlistItem) error {
	_, err := s.db.Exec(`
		INSERT INTO watchlist (content_id, media_kind, title, poster_url, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			title = excluded.title,
			poster_url = excluded.poster_url
	`, item.ContentID, item.MediaKind, item.Title, item.PosterURL, time.Now())
	return err
}

func (s *SQLiteStorage) RemoveFromWatchlist(contentID string) error {
	_, err := s.db.Exec("DELETE FROM watchlist WHERE content_id = ?", contentID)
	return err
}

func (s *SQLiteStorage) GetWatchlist() ([]WatchlistItem, error) {
	rows, err := s.db.Query(`
		SELECT content_id, media_kind, title, poster_url, added_at
		FROM watchlist ORDER BY added_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WatchlistItem
	for rows.Next() {
		var item WatchlistItem
		if err := rows.Scan(&item.ContentID, &item.MediaKind, &item.Title, &item.PosterURL, &item.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (s *SQLiteStorage) InWatchlist(contentID string) (bool, error) {
	row := s.db.QueryRow("SELECT 1 FROM watchlist WHERE content_id = ?", contentID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Watched episodes

func (s *SQLiteStorage) MarkWatched(contentID string, season, episode int) error {
	_, err := s.db.Exec(`
		INSERT INTO watched_episodes (content_id, season, episode, watched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_id, season, episode) DO UPDATE SET
			watched_at = excluded.watched_at
	`, contentID, season, episode, time.Now())
	return err
}

func (s *SQLiteStorage) UnmarkWatched(contentID string, season, episode int) error {
	_, err := s.db.Exec(`
		DELETE FROM watched_episodes
		WHERE content_id = ? AND season = ? AND episode = ?
	`, contentID, season, episode)
	return err
}

func (s *SQLiteStorage) GetWatchedEpisodes(contentID string) ([]WatchedEpisode, error) {
	rows, err := s.db.Query(`
		SELECT content_id, season, episode, watched_at
		FROM watched_episodes WHERE content_id = ?
		ORDER BY season, episode
	`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []WatchedEpisode
	for rows.Next() {
		var e WatchedEpisode
		if err := rows.Scan(&e.ContentID, &e.Season, &e.Episode, &e.WatchedAt); err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}

	return eps, rows.Err()
}

// Playback progress

func (s *SQLiteStorage) SaveProgress(p *Progress) error {
	_, err := s.db.Exec(`
		INSERT INTO playback_progress (content_id, media_kind, season, episode, position, duration, fraction, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id, season, episode) DO UPDATE SET
			position = excluded.position,
			duration = excluded.duration,
			fraction = excluded.fraction,
			updated_at = excluded.updated_at
	`, p.ContentID, p.MediaKind, p.Season, p.Episode, p.Position, p.Duration, p.Fraction, time.Now())
	return err
}

func (s *SQLiteStorage) GetProgress(contentID string, season, episode int) (*Progress, error) {
	row := s.db.QueryRow(`
		SELECT content_id, media_kind, season, episode, position, duration, fraction, updated_at
		FROM playback_progress
		WHERE content_id = ? AND season = ? AND episode = ?
	`, contentID, season, episode)

	var p Progress
	err := row.Scan(&p.ContentID, &p.MediaKind, &p.Season, &p.Episode, &p.Position, &p.Duration, &p.Fraction, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// GetContinueWatching returns in-progress items, most recent first.
// Fractions between 2% and 95% count as "in progress".
func (s *SQLiteStorage) GetContinueWatching(limit int) ([]ContinueWatchingItem, error) {
	rows, err := s.db.Query(`
		SELECT
			p.content_id, p.media_kind, p.season, p.episode,
			p.position, p.duration, p.fraction, p.updated_at,
			COALESCE(w.title, '')
		FROM playback_progress p
		LEFT JOIN watchlist w ON w.content_id = p.content_id
		WHERE p.fraction > 0.02 AND p.fraction < 0.95
		ORDER BY p.updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ContinueWatchingItem
	for rows.Next() {
		var item ContinueWatchingItem
		if err := rows.Scan(
			&item.Progress.ContentID, &item.Progress.MediaKind,
			&item.Progress.Season, &item.Progress.Episode,
			&item.Progress.Position, &item.Progress.Duration,
			&item.Progress.Fraction, &item.Progress.UpdatedAt,
			&item.Title,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}
