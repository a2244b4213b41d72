package main

import (
	"time"
)

type wireUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type wireRoom struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Members []string `json:"members"`
}

// wireMessage carries the sender populated as an object, like the history
// and live stream of the hosted backend.
type wireMessage struct {
	ID              string    `json:"_id"`
	Content         string    `json:"content"`
	MessageType     string    `json:"messageType"`
	TypeContext     string    `json:"typeContext"`
	SenderID        wireUser  `json:"sender_id"`
	RoomID          *string   `json:"room_id"`
	ReceiverID      *string   `json:"receiver_id"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toWireUser(u userRecord) wireUser {
	return wireUser{ID: u.ID, Username: u.Username, Email: u.Email}
}

func toWireRoom(r roomRecord) wireRoom {
	return wireRoom{ID: r.ID, Name: r.Name, Type: r.Type, Members: append([]string{}, r.Members...)}
}

func toWireMessage(m messageRecord, sender string) wireMessage {
	w := wireMessage{
		ID:              m.ID,
		Content:         m.Content,
		MessageType:     m.MessageType,
		TypeContext:     m.Context,
		SenderID:        wireUser{ID: m.SenderID, Username: sender},
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt,
	}
	if m.RoomID != "" {
		room := m.RoomID
		w.RoomID = &room
	}
	if m.ReceiverID != "" {
		receiver := m.ReceiverID
		w.ReceiverID = &receiver
	}
	return w
}
