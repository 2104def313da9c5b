package harborkv

// column_family_test.go implements tests for column family management.

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func TestColumnFamilyCreateDrop(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine EngineType) {
		db := openTestDB(t, engine)

		users, err := db.CreateColumnFamily("users", DefaultColumnFamilyOptions())
		if err != nil {
			t.Fatalf("CreateColumnFamily: %v", err)
		}
		if users.Name() != "users" || users.ID() == DefaultColumnFamilyID {
			t.Errorf("handle = %s", users)
		}
		if _, err := db.CreateColumnFamily("users", DefaultColumnFamilyOptions()); !errors.Is(err, ErrColumnFamilyExists) {
			t.Errorf("duplicate create: got %v, want ErrColumnFamilyExists", err)
		}

		// Families are separate keyspaces.
		if err := db.Put([]byte("k"), []byte("default")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := db.PutCF(users, []byte("k"), []byte("users")); err != nil {
			t.Fatalf("PutCF: %v", err)
		}
		if got := mustGet(t, db, "k"); got != "default" {
			t.Errorf("default k = %q", got)
		}
		v, err := db.GetCF(users, []byte("k"))
		if err != nil || string(v) != "users" {
			t.Errorf("users k = %q, %v", v, err)
		}

		if err := db.DropColumnFamily("users"); err != nil {
			t.Fatalf("DropColumnFamily: %v", err)
		}
		if users.IsValid() {
			t.Error("handle valid after drop")
		}
		if _, err := db.GetCF(users, []byte("k")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
			t.Errorf("GetCF on dropped: got %v, want ErrInvalidColumnFamilyHandle", err)
		}
		if err := db.PutCF(users, []byte("k"), []byte("v")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
			t.Errorf("PutCF on dropped: got %v, want ErrInvalidColumnFamilyHandle", err)
		}
		if err := db.DropColumnFamily("users"); !errors.Is(err, ErrInvalidColumnFamily) {
			t.Errorf("second drop: got %v, want ErrInvalidColumnFamily", err)
		}
		if db.ColumnFamily("users") != nil {
			t.Error("ColumnFamily returned a dropped family")
		}

		// Recreating the name yields an empty family.
		again, err := db.CreateColumnFamily("users", DefaultColumnFamilyOptions())
		if err != nil {
			t.Fatalf("recreate: %v", err)
		}
		if _, err := db.GetCF(again, []byte("k")); !errors.Is(err, ErrNotFound) {
			t.Errorf("recreated family not empty: %v", err)
		}
	})
}

func TestColumnFamilyNames(t *testing.T) {
	db := openTestDB(t, EngineLevelDB)

	for _, name := range []string{"", "bad\x00name", "\xff\xfe"} {
		if _, err := db.CreateColumnFamily(name, DefaultColumnFamilyOptions()); !errors.Is(err, ErrInvalidName) {
			t.Errorf("CreateColumnFamily(%q): got %v, want ErrInvalidName", name, err)
		}
	}
	if err := db.DropColumnFamily(DefaultColumnFamilyName); !errors.Is(err, ErrCannotDropDefaultColumnFamily) {
		t.Errorf("drop default: got %v, want ErrCannotDropDefaultColumnFamily", err)
	}
	if _, err := db.CreateColumnFamily("x", ColumnFamilyOptions{Compression: CompressionType(0x7f)}); err == nil {
		t.Error("unsupported compression accepted")
	}
}

func TestColumnFamilyHandleFromOtherDB(t *testing.T) {
	db1 := openTestDB(t, EngineLevelDB)
	db2 := openTestDB(t, EngineLevelDB)

	if err := db1.PutCF(db2.DefaultColumnFamily(), []byte("k"), []byte("v")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
		t.Errorf("foreign handle: got %v, want ErrInvalidColumnFamilyHandle", err)
	}
	if err := db1.PutCF(nil, []byte("k"), []byte("v")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
		t.Errorf("nil handle: got %v, want ErrInvalidColumnFamilyHandle", err)
	}
}

func TestColumnFamilyReopen(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine EngineType) {
		path := filepath.Join(t.TempDir(), "db")
		db, err := Open(path, testOptions(engine))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		for _, name := range []string{"a", "b"} {
			cf, err := db.CreateColumnFamily(name, DefaultColumnFamilyOptions())
			if err != nil {
				t.Fatalf("CreateColumnFamily: %v", err)
			}
			if err := db.PutCF(cf, []byte("k"), []byte(name)); err != nil {
				t.Fatalf("PutCF: %v", err)
			}
		}
		if err := db.DropColumnFamily("a"); err != nil {
			t.Fatalf("DropColumnFamily: %v", err)
		}
		db.Close()

		names, err := ListColumnFamilies(path, testOptions(engine))
		if err != nil {
			t.Fatalf("ListColumnFamilies: %v", err)
		}
		if !slices.Equal(names, []string{"default", "b"}) {
			t.Errorf("ListColumnFamilies = %v", names)
		}

		// Families not listed are still registered.
		db, handles, err := OpenColumnFamilies(path, testOptions(engine), []ColumnFamilyDescriptor{
			{Name: DefaultColumnFamilyName, Options: DefaultColumnFamilyOptions()},
		})
		if err != nil {
			t.Fatalf("OpenColumnFamilies: %v", err)
		}
		if len(handles) != 1 || handles[0].Name() != DefaultColumnFamilyName {
			t.Errorf("handles = %v", handles)
		}
		b := db.ColumnFamily("b")
		if b == nil {
			t.Fatal("family b not registered")
		}
		v, err := db.GetCF(b, []byte("k"))
		if err != nil || string(v) != "b" {
			t.Errorf("b/k = %q, %v", v, err)
		}
		db.Close()
	})
}

func TestOpenColumnFamiliesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	descs := []ColumnFamilyDescriptor{
		{Name: DefaultColumnFamilyName, Options: DefaultColumnFamilyOptions()},
		{Name: "events", Options: ColumnFamilyOptions{Compression: ZstdCompression}},
	}

	if _, _, err := OpenColumnFamilies(path, testOptions(EngineLevelDB), descs); !errors.Is(err, ErrInvalidColumnFamily) {
		t.Fatalf("missing family without CreateMissingColumnFamilies: got %v", err)
	}

	opts := testOptions(EngineLevelDB)
	opts.CreateMissingColumnFamilies = true
	db, handles, err := OpenColumnFamilies(path, opts, descs)
	if err != nil {
		t.Fatalf("OpenColumnFamilies: %v", err)
	}
	defer db.Close()
	if len(handles) != 2 || handles[1].Name() != "events" {
		t.Fatalf("handles = %v", handles)
	}
	if !slices.Equal(db.ColumnFamilyNames(), []string{"default", "events"}) {
		t.Errorf("ColumnFamilyNames = %v", db.ColumnFamilyNames())
	}
}
