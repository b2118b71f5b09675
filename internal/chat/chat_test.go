package chat

import (
	"strings"
	"testing"
)

type recordingWriter struct {
	lines []string
}

func (w *recordingWriter) WriteLine(line string) { w.lines = append(w.lines, line) }

func TestNicknameCollisionCountsOneFailedAttempt(t *testing.T) {
	room := NewRoom(DefaultMaxNicknameLen, DefaultMaxMessageLen)

	aWriter := &recordingWriter{}
	a := room.Join(1, aWriter)
	room.HandleLine(a, "alice")
	if a.Nickname != "alice" {
		t.Fatalf("alice registration failed, nickname = %q", a.Nickname)
	}

	bWriter := &recordingWriter{}
	b := room.Join(2, bWriter)
	room.HandleLine(b, "alice")

	if b.Attempts != 1 {
		t.Fatalf("b.Attempts = %d, want 1", b.Attempts)
	}
	if a.Nickname != "alice" {
		t.Fatal("a's record must be unchanged by b's collision")
	}
	found := false
	for _, l := range bWriter.lines {
		if strings.Contains(l, "already taken") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a taken-nickname notice, got %v", bWriter.lines)
	}
}

func TestFloodCapProcessesAtMost100LinesPerTick(t *testing.T) {
	buf := make([]byte, 5000)
	for i := range buf {
		buf[i] = '\n'
	}

	lines, consumed, more := ExtractLines(buf, MaxLinesPerTick)
	if len(lines) != 100 {
		t.Fatalf("got %d lines, want 100", len(lines))
	}
	if consumed != 100 {
		t.Fatalf("consumed = %d, want 100", consumed)
	}
	if !more {
		t.Fatal("expected more=true with 4900 bytes still buffered")
	}
	if remaining := len(buf) - consumed; remaining != 4900 {
		t.Fatalf("remaining = %d, want 4900", remaining)
	}
}

func TestActiveNicknamesMatchesNicknamedClients(t *testing.T) {
	room := NewRoom(0, 0)
	a := room.Join(1, &recordingWriter{})
	b := room.Join(2, &recordingWriter{})
	room.HandleLine(a, "alice")
	room.HandleLine(b, "bob")

	got := map[string]bool{}
	for _, n := range room.ActiveNicknames() {
		got[n] = true
	}
	if !got["alice"] || !got["bob"] || len(got) != 2 {
		t.Fatalf("ActiveNicknames = %v, want exactly alice,bob", got)
	}

	room.Leave(1)
	got = map[string]bool{}
	for _, n := range room.ActiveNicknames() {
		got[n] = true
	}
	if got["alice"] || !got["bob"] || len(got) != 1 {
		t.Fatalf("after leave, ActiveNicknames = %v, want exactly bob", got)
	}
}

func TestRenameBroadcastsToEveryoneIncludingSender(t *testing.T) {
	room := NewRoom(0, 0)
	aWriter := &recordingWriter{}
	a := room.Join(1, aWriter)
	bWriter := &recordingWriter{}
	room.Join(2, bWriter)
	room.HandleLine(a, "alice")

	room.HandleLine(a, "/nick alicia")

	if a.Nickname != "alicia" {
		t.Fatalf("a.Nickname = %q, want alicia", a.Nickname)
	}
	wantMsg := "*** alice is now known as alicia\n"
	if !contains(aWriter.lines, wantMsg) {
		t.Fatalf("sender did not receive rename notice: %v", aWriter.lines)
	}
	if !contains(bWriter.lines, wantMsg) {
		t.Fatalf("other client did not receive rename notice: %v", bWriter.lines)
	}
}

func TestRenameCommandRejectsTakenNickname(t *testing.T) {
	room := NewRoom(0, 0)
	a := room.Join(1, &recordingWriter{})
	bWriter := &recordingWriter{}
	b := room.Join(2, bWriter)
	room.HandleLine(a, "alice")
	room.HandleLine(b, "bob")

	room.HandleLine(b, "/nick alice")

	if b.Nickname != "bob" {
		t.Fatalf("b.Nickname = %q, want unchanged bob", b.Nickname)
	}
	if !contains(bWriter.lines, "*** "+ErrNicknameTaken.Error()+"\n") {
		t.Fatalf("expected a taken-nickname notice, got %v", bWriter.lines)
	}
}

func TestMessageTooLongIsDropped(t *testing.T) {
	room := NewRoom(0, 4)
	aWriter := &recordingWriter{}
	a := room.Join(1, aWriter)
	room.HandleLine(a, "alice")

	bWriter := &recordingWriter{}
	room.Join(2, bWriter)

	room.HandleLine(a, "hello world")
	if contains(bWriter.lines, "[alice] hello world\n") {
		t.Fatal("over-length message should have been dropped, not broadcast")
	}
	if !contains(aWriter.lines, "*** Message too long, dropped\n") {
		t.Fatalf("sender did not receive too-long notice: %v", aWriter.lines)
	}
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}
