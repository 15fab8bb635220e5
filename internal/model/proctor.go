package model

import "time"

// Proctor supervises tests and watches the live attempt monitor.
type Proctor struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProctorLoginRequest is the payload for proctor authentication.
type ProctorLoginRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}

// ProctorLoginResponse is returned after successful proctor login.
type ProctorLoginResponse struct {
	Token   string  `json:"token"`
	Proctor Proctor `json:"proctor"`
}
