package model

import "time"

type State string

const (
	Received   State = "received"
	Processing State = "processing"
	Processed  State = "processed"
	Failed     State = "failed"
	Error      State = "error"
)

// Terminal reports whether no further pipeline transition follows s.
func (s State) Terminal() bool {
	return s == Processed || s == Error
}

type SendStatus string

const (
	SendNone   SendStatus = ""
	SendSent   SendStatus = "sent"
	SendFailed SendStatus = "failed"
	SendError  SendStatus = "error"
)

type Message struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	State      State     `json:"state"`

	ReplyText         *string    `json:"replyText,omitempty"`
	SendStatus        SendStatus `json:"sendStatus,omitempty"`
	APIStatus         *string    `json:"apiStatus,omitempty"`
	ExternalMessageID *string    `json:"externalMessageId,omitempty"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Eligible reports whether m is waiting in Received and at least minAge old at now.
func (m Message) Eligible(now time.Time, minAge time.Duration) bool {
	return m.State == Received && now.Sub(m.ReceivedAt) >= minAge
}

func StringPtr(s string) *string {
	return &s
}
