package models

import (
	"errors"
	"strings"
	"time"
)

type AppStatus string

const (
	AppActive   AppStatus = "active"
	AppInactive AppStatus = "inactive"
)

// App is an API consumer allowed to act for the businesses it is linked to.
type App struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	Status     AppStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (a *App) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if len(a.Name) < 3 {
		return errors.New("app name too short")
	}
	if a.Status == "" {
		a.Status = AppActive
	}
	return nil
}
