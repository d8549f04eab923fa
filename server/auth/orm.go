package auth

import "github.com/cyclopcam/dbh"

type AuthUser struct {
	ID        int64 `gorm:"primaryKey"`
	Username  string
	Password  string `json:"-"`
	CreatedAt dbh.IntTime
}

type AuthSession struct {
	Key        string `gorm:"primaryKey"`
	AuthUserID int64
	CreatedAt  dbh.IntTime
	ExpiresAt  dbh.IntTime
}
