package mediadb

import (
	"strings"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// Migrations returns the schema for the given driver.
// The SQL is written for SQLite, and translated for Postgres.
func Migrations(log logs.Log, driver string) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	add := func(sql string) {
		migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx, dialect(driver, sql)))
	}

	add(`
		CREATE TABLE image(
			id INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			modify_time BIGINT,
			checksum TEXT,
			features BLOB NOT NULL
		);
		CREATE UNIQUE INDEX idx_image_path ON image(path);
		CREATE INDEX idx_image_modify_time ON image(modify_time);

		CREATE TABLE video(
			id INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			modify_time BIGINT,
			checksum TEXT
		);
		CREATE UNIQUE INDEX idx_video_path ON video(path);

		CREATE TABLE video_frame(
			id INTEGER PRIMARY KEY,
			video_id BIGINT NOT NULL,
			frame_time INT NOT NULL,
			features BLOB NOT NULL
		);
		CREATE INDEX idx_video_frame_video_id ON video_frame(video_id);
	`)

	add(`
		CREATE TABLE auth_user(
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at BIGINT
		);
		CREATE UNIQUE INDEX idx_auth_user_username ON auth_user(username);

		CREATE TABLE auth_session(
			key TEXT PRIMARY KEY,
			auth_user_id BIGINT NOT NULL,
			created_at BIGINT,
			expires_at BIGINT
		);
		CREATE INDEX idx_auth_session_auth_user_id ON auth_session(auth_user_id);
		CREATE INDEX idx_auth_session_expires_at ON auth_session(expires_at);
	`)

	return migs
}

func dialect(driver, sql string) string {
	if driver != dbh.DriverPostgres {
		return sql
	}
	r := strings.NewReplacer(
		"INTEGER PRIMARY KEY", "BIGSERIAL PRIMARY KEY",
		"BLOB", "BYTEA",
	)
	return r.Replace(sql)
}
