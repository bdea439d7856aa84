package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/core"
)

func begin(t *testing.T, s *Store) core.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return tx
}

func TestStore_CreateCommitRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx := begin(t, s)
	e := &core.Entity{Model: "Organism", EID: "1", Fields: map[string]any{"name": "A"}}
	if err := tx.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e.ID == 0 {
		t.Fatal("Create should assign an id")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx = begin(t, s)
	if err := tx.Create(ctx, &core.Entity{Model: "Organism", EID: "2"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	if got := len(s.List("Organism")); got != 1 {
		t.Errorf("got %d entities, want 1 after rollback", got)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := s.Seed(&core.Entity{Model: "Theme", EID: "x", Fields: map[string]any{"label": "old"}})

	tx := begin(t, s)
	defer tx.Rollback(ctx)
	found, err := tx.FindByEID(ctx, "Theme", "x", "")
	if err != nil {
		t.Fatal(err)
	}
	found.Fields["label"] = "mutated"

	stored, _ := s.Get(id)
	if stored.Fields["label"] != "old" {
		t.Errorf("stored entity aliased, label = %v", stored.Fields["label"])
	}
}

func TestStore_FindByEIDScopedToProvider(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed(&core.Entity{Model: "Trek", EID: "42", Provider: "A"})

	tx := begin(t, s)
	defer tx.Rollback(ctx)

	if _, err := tx.FindByEID(ctx, "Trek", "42", "B"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("other provider: error = %v, want ErrNotFound", err)
	}
	if _, err := tx.FindByEID(ctx, "Trek", "42", "A"); err != nil {
		t.Errorf("same provider: error = %v", err)
	}
}

func TestStore_FindByField(t *testing.T) {
	ctx := context.Background()
	s := New()
	shared := s.Seed(&core.Entity{Model: "Practice", Fields: map[string]any{"name": "Hiking"}})
	scoped := s.Seed(&core.Entity{Model: "Practice", Structure: "S1", Fields: map[string]any{"name": "Hiking"}})

	tx := begin(t, s)
	defer tx.Rollback(ctx)

	tests := []struct {
		structure string
		want      int64
	}{
		{"", shared},
		{"S1", scoped},
	}
	for _, tt := range tests {
		got, err := tx.FindByField(ctx, "Practice", "name", "Hiking", tt.structure)
		if err != nil {
			t.Fatalf("structure %q: %v", tt.structure, err)
		}
		if got.ID != tt.want {
			t.Errorf("structure %q: id = %d, want %d", tt.structure, got.ID, tt.want)
		}
	}
	if _, err := tx.FindByField(ctx, "Practice", "name", "Cycling", ""); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStore_SavepointRollbackKeepsParent(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx := begin(t, s)
	parent := &core.Entity{Model: "Trek", EID: "1"}
	if err := tx.Create(ctx, parent); err != nil {
		t.Fatal(err)
	}

	sp, err := tx.Savepoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.SaveAttachment(ctx, &core.Attachment{EntityID: parent.ID, SourceURL: "http://x/a.jpg"}); err != nil {
		t.Fatal(err)
	}
	if err := sp.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	sp, _ = tx.Savepoint(ctx)
	if err := sp.SaveAttachment(ctx, &core.Attachment{EntityID: parent.ID, SourceURL: "http://x/b.jpg"}); err != nil {
		t.Fatal(err)
	}
	if err := sp.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if got := len(s.List("Trek")); got != 1 {
		t.Errorf("entities = %d, want 1", got)
	}
	atts := s.AllAttachments()
	if len(atts) != 1 || atts[0].SourceURL != "http://x/b.jpg" {
		t.Errorf("attachments = %+v, want only b.jpg", atts)
	}
}

func TestStore_DeleteStale(t *testing.T) {
	ctx := context.Background()

	seed := func(s *Store) map[string]int64 {
		return map[string]int64{
			"seen":      s.Seed(&core.Entity{Model: "Trek", EID: "1", Provider: "A"}),
			"stale":     s.Seed(&core.Entity{Model: "Trek", EID: "2", Provider: "A"}),
			"other":     s.Seed(&core.Entity{Model: "Trek", EID: "3", Provider: "B"}),
			"manual":    s.Seed(&core.Entity{Model: "Trek", EID: "", Provider: "A"}),
			"poi":       s.Seed(&core.Entity{Model: "POI", EID: "4", Provider: "A"}),
			"tombstone": s.Seed(&core.Entity{Model: "Trek", EID: "5", Provider: "A", Deleted: true}),
		}
	}

	tests := []struct {
		name      string
		hard      bool
		wantN     int64
		wantGone  []string
		wantAlive []string
	}{
		{
			name:      "soft",
			wantN:     1,
			wantGone:  []string{"stale"},
			wantAlive: []string{"seen", "other", "manual", "poi"},
		},
		{
			name:      "hard",
			hard:      true,
			wantN:     2,
			wantGone:  []string{"stale", "tombstone"},
			wantAlive: []string{"seen", "other", "manual", "poi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			ids := seed(s)

			tx := begin(t, s)
			n, err := tx.DeleteStale(ctx, core.DeleteScope{
				Model:    "Trek",
				Provider: "A",
				Keep:     []int64{ids["seen"]},
				Hard:     tt.hard,
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := tx.Commit(ctx); err != nil {
				t.Fatal(err)
			}
			if n != tt.wantN {
				t.Errorf("deleted %d, want %d", n, tt.wantN)
			}

			for _, name := range tt.wantGone {
				e, ok := s.Get(ids[name])
				if tt.hard && ok {
					t.Errorf("%s still present after hard delete", name)
				}
				if !tt.hard && (!ok || !e.Deleted) {
					t.Errorf("%s not soft deleted", name)
				}
			}
			for _, name := range tt.wantAlive {
				e, ok := s.Get(ids[name])
				if !ok || e.Deleted {
					t.Errorf("%s should be untouched", name)
				}
			}
		})
	}
}

func TestStore_StaleAttachments(t *testing.T) {
	ctx := context.Background()
	s := New()
	seen := s.Seed(&core.Entity{Model: "Trek", EID: "1", Provider: "A"})
	stale := s.Seed(&core.Entity{Model: "Trek", EID: "2", Provider: "A"})
	other := s.Seed(&core.Entity{Model: "Trek", EID: "3", Provider: "B"})

	tx := begin(t, s)
	defer tx.Rollback(ctx)
	for _, a := range []*core.Attachment{
		{EntityID: seen, FileKey: "seen.png"},
		{EntityID: stale, FileKey: "stale-1.png"},
		{EntityID: stale, FileKey: "stale-2.png"},
		{EntityID: other, FileKey: "other.png"},
	} {
		if err := tx.SaveAttachment(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	atts, err := tx.StaleAttachments(ctx, core.DeleteScope{Model: "Trek", Provider: "A", Keep: []int64{seen}})
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 2 || atts[0].FileKey != "stale-1.png" || atts[1].FileKey != "stale-2.png" {
		t.Errorf("stale attachments = %+v, want the two of the stale entity", atts)
	}
}

func TestStore_FileType(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := s.AddFileType("Photographie")

	tx := begin(t, s)
	defer tx.Rollback(ctx)

	got, err := tx.FileType(ctx, "Photographie")
	if err != nil || got != id {
		t.Errorf("FileType = %d, %v; want %d", got, err, id)
	}
	if _, err := tx.FileType(ctx, "Topoguide"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStore_ClosedTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx := begin(t, s)
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Create(ctx, &core.Entity{Model: "Trek"}); err == nil {
		t.Error("Create after Commit should fail")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after Commit = %v, want nil", err)
	}
}
