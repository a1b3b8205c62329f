package dbops

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestConsumeStderr(t *testing.T) {
	input := "pg_restore: processing data for table \"orders\"\n" +
		"pg_restore: warning: errors ignored on restore: 2\n"
	lines, err := consumeStderr("pg_restore", strings.NewReader(input))
	if err != nil {
		t.Fatalf("consumeStderr() error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("kept %d lines, want 2", len(lines))
	}
	if lines[1] != "pg_restore: warning: errors ignored on restore: 2" {
		t.Errorf("lines[1] = %q", lines[1])
	}
}

func TestConsumeStderrOversizedLine(t *testing.T) {
	// A CONTEXT line embedding row data can exceed the scanner buffer; the
	// operation must fail rather than leave the pipe undrained.
	long := strings.Repeat("x", 2<<20)
	r := strings.NewReader("pg_restore: warning: something odd\n" + long + "\ntrailing line\n")

	lines, err := consumeStderr("pg_restore", r)
	if err == nil {
		t.Fatal("expected error for oversized stderr line")
	}
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Errorf("got %v, want bufio.ErrTooLong", err)
	}
	if r.Len() != 0 {
		t.Errorf("stderr not drained: %d bytes left unread", r.Len())
	}
	if len(lines) != 1 || lines[0] != "pg_restore: warning: something odd" {
		t.Errorf("lines before failure = %v", lines)
	}
}

func TestConsumeStderrBoundsKeptLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxKeptLines+50; i++ {
		b.WriteString("pg_dump: dumping contents of table\n")
	}
	lines, err := consumeStderr("pg_dump", strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("consumeStderr() error: %v", err)
	}
	if len(lines) != maxKeptLines {
		t.Errorf("kept %d lines, want cap of %d", len(lines), maxKeptLines)
	}
}
