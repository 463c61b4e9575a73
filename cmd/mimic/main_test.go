package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nMIMIC_TEST_A=hello\n\nMIMIC_TEST_B = spaced \nBADLINE\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("MIMIC_TEST_A", "")
	t.Setenv("MIMIC_TEST_B", "")
	os.Unsetenv("MIMIC_TEST_A")
	os.Unsetenv("MIMIC_TEST_B")

	loadDotEnv(path)

	if got := os.Getenv("MIMIC_TEST_A"); got != "hello" {
		t.Errorf("MIMIC_TEST_A = %q", got)
	}
	if got := os.Getenv("MIMIC_TEST_B"); got != "spaced" {
		t.Errorf("MIMIC_TEST_B = %q", got)
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MIMIC_TEST_C=fromfile\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("MIMIC_TEST_C", "fromenv")
	loadDotEnv(path)

	if got := os.Getenv("MIMIC_TEST_C"); got != "fromenv" {
		t.Errorf("MIMIC_TEST_C = %q, want env value preserved", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
