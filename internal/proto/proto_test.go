package proto

import "testing"

func TestRooms(t *testing.T) {
	if !Lobby.IsLobby() {
		t.Fatal("lobby not recognized")
	}
	r := SessionRoom("standup-42")
	if r.IsLobby() {
		t.Fatal("session room claims to be the lobby")
	}
	if got, want := r.Topic(), RoomTopicPrefix+"session-standup-42"; got != want {
		t.Fatalf("Topic = %q, want %q", got, want)
	}
	if SessionRoom("a") == SessionRoom("b") {
		t.Fatal("distinct sessions share a room")
	}
}
