package job

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rendergate.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Update(ctx, "j1", Fields{FieldStatus: "done", FieldOutput: "output/j1/a.png"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.PushSubmission(ctx, Submission{ID: "j2", InputRef: "in/2.png"}); err != nil {
		t.Fatalf("PushSubmission: %v", err)
	}
	if err := s.SetScalar(ctx, ScalarAvgProcessingTime, "7.5"); err != nil {
		t.Fatalf("SetScalar: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if v, ok, _ := s.GetField(ctx, "j1", FieldOutput); !ok || v != "output/j1/a.png" {
		t.Errorf("output after reopen = %q, %v", v, ok)
	}
	sub, err := s.DequeueSubmission(ctx)
	if err != nil || sub == nil || sub.ID != "j2" {
		t.Errorf("DequeueSubmission after reopen = %+v, %v", sub, err)
	}
	if v, ok, _ := s.GetScalar(ctx, ScalarAvgProcessingTime); !ok || v != "7.5" {
		t.Errorf("scalar after reopen = %q, %v", v, ok)
	}
}

func TestSQLiteStore_ScanPrefixIsLiteral(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// LIKE wildcards in ids must not widen the match.
	for _, id := range []string{"a_1", "ab1", "a%2"} {
		if err := s.Update(ctx, id, Fields{FieldStatus: "queued"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	got := collectIDs(t, s, "a_")
	if len(got) != 1 || got[0] != "a_1" {
		t.Errorf("Scan(\"a_\") = %v, want [a_1]", got)
	}
}

func TestSQLiteStore_ScanStopsEarly(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"x1", "x2", "x3"} {
		if err := s.Update(ctx, id, Fields{FieldStatus: "queued"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	n := 0
	for _, err := range s.Scan(ctx, "") {
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("iterated %d ids, want 2", n)
	}
}
