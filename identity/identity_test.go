package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestReplacementHex(t *testing.T) {
	old := "a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8a1b2c3d4e5f6a7b8"
	fresh := Replacement(old)
	if fresh == old {
		t.Fatal("replacement equals original")
	}
	if len(fresh) != len(old) {
		t.Fatalf("length changed: %d -> %d", len(old), len(fresh))
	}
	if !isHex(fresh) || strings.ToLower(fresh) != fresh {
		t.Fatalf("format class not preserved: %q", fresh)
	}
}

func TestReplacementUpperHex(t *testing.T) {
	old := "DEADBEEF00112233"
	fresh := Replacement(old)
	if fresh == old || len(fresh) != len(old) {
		t.Fatalf("bad replacement: %q", fresh)
	}
	if strings.ToUpper(fresh) != fresh {
		t.Fatalf("case pattern not preserved: %q", fresh)
	}
}

func TestReplacementUUID(t *testing.T) {
	old := uuid.NewString()
	fresh := Replacement(old)
	if fresh == old {
		t.Fatal("replacement equals original")
	}
	parsed, err := uuid.Parse(fresh)
	if err != nil {
		t.Fatalf("not a uuid: %q", fresh)
	}
	if parsed.Version() != 4 {
		t.Fatalf("version marker not preserved: v%d", parsed.Version())
	}
	if strings.ToLower(fresh) != fresh {
		t.Fatalf("case changed: %q", fresh)
	}
}

func TestReplacementBracedUUID(t *testing.T) {
	old := "{" + strings.ToUpper(uuid.NewString()) + "}"
	fresh := Replacement(old)
	if fresh == old {
		t.Fatal("replacement equals original")
	}
	if !isBracedUUID(fresh) {
		t.Fatalf("braced shape not preserved: %q", fresh)
	}
	if strings.ToUpper(fresh) != fresh {
		t.Fatalf("case changed: %q", fresh)
	}
}

func TestReplacementGenericClass(t *testing.T) {
	old := "user-1234-ABC"
	fresh := Replacement(old)
	if fresh == old {
		t.Fatal("replacement equals original")
	}
	if len(fresh) != len(old) {
		t.Fatalf("length changed: %q", fresh)
	}
	if fresh[4] != '-' || fresh[9] != '-' {
		t.Fatalf("structural markers moved: %q", fresh)
	}
	for i := 5; i < 9; i++ {
		if fresh[i] < '0' || fresh[i] > '9' {
			t.Fatalf("digit class not preserved at %d: %q", i, fresh)
		}
	}
}

func TestRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.json")
	oldMachine := strings.Repeat("ab12", 16)
	oldDevice := uuid.NewString()
	doc := map[string]string{
		"telemetry.machineId":   oldMachine,
		"telemetry.devDeviceId": oldDevice,
		"workbench.theme":       "dark",
	}
	data, _ := json.MarshalIndent(doc, "", "  ")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	change, err := Rewrite(path, []string{"telemetry.machineId", "telemetry.devDeviceId"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if len(change.Keys) != 2 {
		t.Fatalf("expected 2 changed keys, got %v", change.Keys)
	}
	if change.OldDigest == change.NewDigest {
		t.Fatal("digest unchanged after rewrite")
	}

	rec, err := Read(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var machine, device, theme string
	json.Unmarshal(rec["telemetry.machineId"], &machine)
	json.Unmarshal(rec["telemetry.devDeviceId"], &device)
	json.Unmarshal(rec["workbench.theme"], &theme)

	if machine == oldMachine || len(machine) != 64 || !isHex(machine) {
		t.Fatalf("machine id not rewritten in class: %q", machine)
	}
	if device == oldDevice {
		t.Fatal("device id unchanged")
	}
	if _, err := uuid.Parse(device); err != nil {
		t.Fatalf("device id lost uuid class: %q", device)
	}
	if theme != "dark" {
		t.Fatalf("untouched key modified: %q", theme)
	}
}

func TestRewriteInsertsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Rewrite(path, []string{"telemetry.machineId", "telemetry.devDeviceId", "telemetry.sqmId"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	rec, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var machine, device, sqm string
	json.Unmarshal(rec["telemetry.machineId"], &machine)
	json.Unmarshal(rec["telemetry.devDeviceId"], &device)
	json.Unmarshal(rec["telemetry.sqmId"], &sqm)
	if len(machine) != 64 || !isHex(machine) {
		t.Fatalf("unexpected machine id: %q", machine)
	}
	if _, err := uuid.Parse(device); err != nil {
		t.Fatalf("unexpected device id: %q", device)
	}
	if !isBracedUUID(sqm) {
		t.Fatalf("unexpected sqm id: %q", sqm)
	}
}

func TestRewriteNullDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("null"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	change, err := Rewrite(path, []string{"telemetry.machineId"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if len(change.Keys) != 1 {
		t.Fatalf("expected 1 key inserted, got %v", change.Keys)
	}
	rec, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var machine string
	json.Unmarshal(rec["telemetry.machineId"], &machine)
	if len(machine) != 64 || !isHex(machine) {
		t.Fatalf("unexpected machine id: %q", machine)
	}
}

func TestReadNullDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("null"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec == nil {
		t.Fatal("expected an empty record, got nil")
	}
	if len(rec) != 0 {
		t.Fatalf("expected no keys, got %v", rec)
	}
}

func TestReadParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Rewrite(path, []string{"k"}); err == nil {
		t.Fatal("expected parse error from rewrite")
	}
}

func TestRewriteValueFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machineId")
	old := uuid.NewString()
	if err := os.WriteFile(path, []byte(old), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := RewriteValueFile(path); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	fresh := strings.TrimSpace(string(data))
	if fresh == old {
		t.Fatal("machine id unchanged")
	}
	if _, err := uuid.Parse(fresh); err != nil {
		t.Fatalf("machine id lost uuid class: %q", fresh)
	}
}

func TestRewriteNeverMixesContent(t *testing.T) {
	// The replace is temp-write + rename; failure before rename must leave
	// the original byte-identical. Simulate by making the rename target's
	// directory read-only so the temp file cannot be created.
	if runtime.GOOS == "windows" {
		t.Skip("directory write bits are not enforced on windows")
	}
	if os.Getuid() == 0 {
		t.Skip("directory permissions are advisory for root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.json")
	original := []byte(`{"telemetry.machineId":"abcd"}`)
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o755)

	if _, err := Rewrite(path, []string{"telemetry.machineId"}); err == nil {
		t.Fatal("expected write failure")
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after failure: %v", err)
	}
	if string(after) != string(original) {
		t.Fatalf("original not intact after failed replace: %q", after)
	}
}
