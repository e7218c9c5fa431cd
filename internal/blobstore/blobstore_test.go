package blobstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestStageAndReadAll(t *testing.T) {
	s := New(t.TempDir())
	defer s.Close(context.Background())

	want := "Subject: hi\r\n\r\nhello world\r\n"
	buf, err := s.Stage(strings.NewReader(want))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	got, err := ReadAll(buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("ReadAll = %q, want %q", got, want)
	}
}

func TestStageEmptyReader(t *testing.T) {
	s := New(t.TempDir())
	defer s.Close(context.Background())

	buf, err := s.Stage(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	got, err := ReadAll(buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ReadAll = %q, want empty", got)
	}
}

func TestNewWithDefaultTempdir(t *testing.T) {
	s := New("")
	defer s.Close(context.Background())

	buf, err := s.Stage(strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	got, err := ReadAll(buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("ReadAll = %q, want %q", got, "x")
	}
}

func TestFilerExposed(t *testing.T) {
	s := New(t.TempDir())
	defer s.Close(context.Background())

	if s.Filer() == nil {
		t.Fatal("Filer() returned nil")
	}
}
