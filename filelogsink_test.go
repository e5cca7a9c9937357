package residue

import (
	"context"
	"testing"
)

func TestFileLogSinkWriteAndReadAllRoundTrip(t *testing.T) {
	sink, err := NewFileLogSink(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	records := []Record{
		{TS: 1, LoggerID: "app", ClientID: "c1", IPAddr: "10.0.0.1", Level: 3, Msg: "first"},
		{TS: 2, LoggerID: "app", ClientID: "c1", IPAddr: "10.0.0.1", Level: 3, Msg: "second"},
		{TS: 3, LoggerID: "app", ClientID: "c2", IPAddr: "10.0.0.2", Level: 5, Msg: "third"},
	}
	for _, rec := range records {
		if err := sink.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	got, err := sink.ReadAll("app")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, rec := range got {
		if rec.Msg != records[i].Msg || rec.ClientID != records[i].ClientID {
			t.Errorf("record %d: expected %+v, got %+v", i, records[i], rec)
		}
		if rec.Index != uint64(i+1) {
			t.Errorf("record %d: expected chain index %d, got %d", i, i+1, rec.Index)
		}
	}
}

func TestFileLogSinkChainTagsAreDistinctPerRecord(t *testing.T) {
	sink, err := NewFileLogSink(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	for i := 0; i < 3; i++ {
		if err := sink.Write(context.Background(), Record{TS: int64(i), LoggerID: "app", Msg: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := sink.ReadAll("app")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Tag == got[1].Tag || got[1].Tag == got[2].Tag {
		t.Error("expected each record's chain tag to differ from its predecessor")
	}
}

func TestFileLogSinkSeparatesLoggersIntoDistinctFiles(t *testing.T) {
	sink, err := NewFileLogSink(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	if err := sink.Write(context.Background(), Record{LoggerID: "a", Msg: "from a"}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(context.Background(), Record{LoggerID: "b", Msg: "from b"}); err != nil {
		t.Fatal(err)
	}

	a, err := sink.ReadAll("a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := sink.ReadAll("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one record per logger, got %d and %d", len(a), len(b))
	}
	if a[0].Msg != "from a" || b[0].Msg != "from b" {
		t.Error("expected each logger's file to hold only its own records")
	}
}

func TestFileLogSinkReadAllUnknownLoggerReturnsEmpty(t *testing.T) {
	sink, err := NewFileLogSink(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	got, err := sink.ReadAll("never-written")
	if err != nil {
		t.Fatalf("expected no error for an unwritten logger, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no records, got %d", len(got))
	}
}

func TestSanitizeLoggerIDMapsColonToUnderscore(t *testing.T) {
	if got := sanitizeLoggerID("svc:sub"); got != "svc_sub" {
		t.Errorf("expected 'svc_sub', got %q", got)
	}
}
