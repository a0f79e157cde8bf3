package database

import (
	"sort"
	"strings"
	"testing"
)

func TestMigrationFilesOrdered(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(files) == 0 {
		t.Fatal("Expected embedded migrations")
	}
	if !sort.StringsAreSorted(files) {
		t.Errorf("Expected sorted migrations, got %v", files)
	}
	if !strings.HasPrefix(files[0], "001_") {
		t.Errorf("Expected first migration to be 001_*, got %s", files[0])
	}
}
