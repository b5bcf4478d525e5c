package keg

import (
	"testing"

	"github.com/google/uuid"
)

func openTestKeg(t *testing.T) *Keg {
	t.Helper()
	k := New(t.TempDir())
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestStartAndMigrate(t *testing.T) {
	k := openTestKeg(t)

	id := uuid.New()
	if err := k.AddFormat(id, "testtopic", "<format version=\"v1\"/>"); err != nil {
		t.Fatalf("AddFormat: %v", err)
	}

	formats, err := k.Formats()
	if err != nil {
		t.Fatalf("Formats: %v", err)
	}
	if len(formats) != 1 {
		t.Fatalf("expected 1 format, got %d", len(formats))
	}
	if formats[0].Topic != "testtopic" {
		t.Errorf("Topic = %q, want testtopic", formats[0].Topic)
	}
}

func TestWriteAndCount(t *testing.T) {
	k := openTestKeg(t)
	id := uuid.New()

	if err := k.Write(id, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := k.Write(id, []byte{4, 5, 6}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	count, err := k.SampleCount(id)
	if err != nil {
		t.Fatalf("SampleCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("SampleCount = %d, want 2", count)
	}
}

func TestAddFormatUpserts(t *testing.T) {
	k := openTestKeg(t)
	id := uuid.New()

	if err := k.AddFormat(id, "topic1", "<format version=\"v1\"/>"); err != nil {
		t.Fatalf("AddFormat: %v", err)
	}
	if err := k.AddFormat(id, "topic2", "<format version=\"v2\"/>"); err != nil {
		t.Fatalf("AddFormat: %v", err)
	}

	formats, err := k.Formats()
	if err != nil {
		t.Fatalf("Formats: %v", err)
	}
	if len(formats) != 1 {
		t.Fatalf("expected upsert to keep 1 row, got %d", len(formats))
	}
	if formats[0].Topic != "topic2" {
		t.Errorf("Topic = %q, want topic2", formats[0].Topic)
	}
}
