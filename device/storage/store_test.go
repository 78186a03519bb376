package storage

import (
	"bytes"
	"errors"
	"testing"
)

func newStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := NewDirStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newStore(t)

	data := []byte{1, 2, 3, 4}
	if err := s.WriteAll("/posts", data); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("/posts") {
		t.Error("blob not reported as existing")
	}

	got, err := s.ReadAll("/posts")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}
}

func TestWriteAllOverwrites(t *testing.T) {
	s := newStore(t)
	s.WriteAll("/cfg", []byte("long original contents"))
	s.WriteAll("/cfg", []byte("new"))

	got, err := s.ReadAll("/cfg")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Errorf("got %q after overwrite", got)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.ReadAll("/nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendCreatesAndExtends(t *testing.T) {
	s := newStore(t)
	s.Append("/packet_log", []byte("line1\n"))
	s.Append("/packet_log", []byte("line2\n"))

	got, err := s.ReadAll("/packet_log")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "line1\nline2\n" {
		t.Errorf("got %q", got)
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	s := newStore(t)
	if err := s.Remove("/ghost"); err != nil {
		t.Errorf("remove of missing blob: %v", err)
	}

	s.WriteAll("/real", []byte{1})
	if err := s.Remove("/real"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("/real") {
		t.Error("blob still exists after remove")
	}
}

func TestMirrorBackupAndRestore(t *testing.T) {
	primary := newStore(t)
	mirror := newStore(t)
	m := NewMirroredStore(primary, mirror, nil)

	m.WriteAll("/cfg", []byte("precious"))
	if !m.Backup("/cfg") {
		t.Fatal("backup failed")
	}

	// Primary copy lost: restore pulls from the mirror.
	primary.Remove("/cfg")
	if !m.RestoreIfNeeded("/cfg") {
		t.Fatal("restore did not run")
	}
	got, err := m.ReadAll("/cfg")
	if err != nil || string(got) != "precious" {
		t.Errorf("restored contents %q, err %v", got, err)
	}

	// Usable primary copy: no restore.
	if m.RestoreIfNeeded("/cfg") {
		t.Error("restore ran with a usable primary copy")
	}
}

func TestMirrorRestoreUsesValidators(t *testing.T) {
	primary := newStore(t)
	mirror := newStore(t)
	m := NewMirroredStore(primary, mirror, nil)

	m.WriteAll("/acl", bytes.Repeat([]byte{1}, 16))
	m.Backup("/acl")

	// Corrupt the primary to a size that fails the alignment validator.
	primary.WriteAll("/acl", bytes.Repeat([]byte{1}, 10))
	if !m.RestoreIfNeeded("/acl", SizeAlignValidator(8)) {
		t.Fatal("restore did not run for invalid primary")
	}
	got, _ := m.ReadAll("/acl")
	if len(got) != 16 {
		t.Errorf("restored size = %d, want 16", len(got))
	}
}

func TestMirrorlessRestoreIsNoOp(t *testing.T) {
	primary := newStore(t)
	m := NewMirroredStore(primary, nil, nil)
	if m.Backup("/x") {
		t.Error("backup succeeded with no mirror")
	}
	if m.RestoreIfNeeded("/x") {
		t.Error("restore succeeded with no mirror")
	}
}

func TestValidators(t *testing.T) {
	if MinSizeValidator(4)([]byte{1, 2, 3}) {
		t.Error("min size accepted short blob")
	}
	if !MinSizeValidator(4)([]byte{1, 2, 3, 4}) {
		t.Error("min size rejected adequate blob")
	}
	if SizeAlignValidator(4)([]byte{1, 2, 3}) {
		t.Error("alignment accepted misaligned blob")
	}
	if !SizeAlignValidator(4)(make([]byte, 8)) {
		t.Error("alignment rejected aligned blob")
	}
}
