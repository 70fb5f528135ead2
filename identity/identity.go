package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/djherbis/times"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"idsweep/logger"
)

var (
	// ErrParse marks an identity file whose content is not valid JSON.
	ErrParse = errors.New("identity file is not valid JSON")
	// ErrWrite marks a failed atomic replace. The original file is intact.
	ErrWrite = errors.New("identity file write failed")
)

// Record is the parsed identity document. Non-identifier keys are kept as raw
// JSON so the write-back never reshapes values it did not touch.
type Record map[string]json.RawMessage

// Change describes one rewritten file without echoing identifier values.
type Change struct {
	Path      string   `json:"path"`
	Keys      []string `json:"keys"`
	OldDigest string   `json:"old_digest"`
	NewDigest string   `json:"new_digest"`
}

// Read parses the identity file at path.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	if rec == nil {
		// A bare JSON null decodes into a nil map without error.
		rec = Record{}
	}
	return rec, nil
}

// Rewrite regenerates the given identifier keys in the identity file and
// replaces it atomically: temp file in the same directory, fsync, rename.
// An interruption leaves either the exact old or the exact new content.
// Access and modification times are restored so the rewrite does not
// advertise itself. Prior values are not backed up anywhere; that is the
// point of the tool, not an oversight.
func Rewrite(path string, keys []string) (*Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	if rec == nil {
		// A bare JSON null decodes into a nil map without error.
		rec = Record{}
	}

	change := &Change{Path: path, OldDigest: digest(data)}
	for _, key := range keys {
		var newValue string
		if raw, ok := rec[key]; ok {
			var old string
			if err := json.Unmarshal(raw, &old); err != nil {
				logger.Debugf("Key %s is not a string, skipping", key)
				continue
			}
			newValue = Replacement(old)
		} else {
			newValue = freshValue(key)
		}
		encoded, err := json.Marshal(newValue)
		if err != nil {
			return nil, err
		}
		rec[key] = encoded
		change.Keys = append(change.Keys, key)
	}

	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writePreservingTimes(path, out); err != nil {
		return nil, err
	}
	change.NewDigest = digest(out)
	return change, nil
}

// RewriteValueFile replaces a file holding a single bare identifier value,
// such as the per-installation machine-id file.
func RewriteValueFile(path string) (*Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	old := strings.TrimSpace(string(data))
	newValue := Replacement(old)
	if old == "" {
		newValue = uuid.NewString()
	}
	if err := writePreservingTimes(path, []byte(newValue)); err != nil {
		return nil, err
	}
	return &Change{
		Path:      path,
		OldDigest: digest(data),
		NewDigest: digest([]byte(newValue)),
	}, nil
}

// Replacement produces a fresh identifier of the same format class as old:
// same length, character set and structural markers, different value.
func Replacement(old string) string {
	for attempt := 0; attempt < 5; attempt++ {
		candidate := replacementOnce(old)
		if candidate != old {
			return candidate
		}
	}
	// Only reachable for values with no regenerable characters.
	return randomHex(len(old) + 2)
}

func replacementOnce(old string) string {
	if _, err := uuid.Parse(old); err == nil && len(old) == 36 {
		fresh := uuid.NewString()
		if strings.ToUpper(old) == old {
			fresh = strings.ToUpper(fresh)
		}
		return fresh
	}
	if isBracedUUID(old) {
		fresh := uuid.NewString()
		if strings.ToUpper(old) == old {
			fresh = strings.ToUpper(fresh)
		}
		return "{" + fresh + "}"
	}
	// All-digit values fall through to the generic class so they stay digits.
	if isHex(old) && len(old) >= 2 && strings.ContainsAny(old, "abcdefABCDEF") {
		fresh := randomHex(len(old))
		if strings.ContainsAny(old, "ABCDEF") {
			fresh = strings.ToUpper(fresh)
		}
		return fresh
	}
	// Generic class: regenerate each character within its own class,
	// keeping every structural character in place.
	out := []byte(old)
	for i, c := range out {
		switch {
		case c >= '0' && c <= '9':
			out[i] = randomByte("0123456789")
		case c >= 'a' && c <= 'z':
			out[i] = randomByte("abcdefghijklmnopqrstuvwxyz")
		case c >= 'A' && c <= 'Z':
			out[i] = randomByte("ABCDEFGHIJKLMNOPQRSTUVWXYZ")
		}
	}
	return string(out)
}

// freshValue picks the class for a key that is absent from the identity file,
// following the host's documented schema.
func freshValue(key string) string {
	switch {
	case strings.HasSuffix(key, "sqmId"):
		return "{" + strings.ToUpper(uuid.NewString()) + "}"
	case strings.Contains(key, "DeviceId"):
		return uuid.NewString()
	default:
		return randomHex(64)
	}
}

func isBracedUUID(s string) bool {
	if len(s) != 38 || s[0] != '{' || s[len(s)-1] != '}' {
		return false
	}
	_, err := uuid.Parse(s[1 : len(s)-1])
	return err == nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return fmt.Sprintf("%x", buf)[:n]
}

func randomByte(alphabet string) byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return alphabet[int(b[0])%len(alphabet)]
}

func writePreservingTimes(path string, data []byte) error {
	ts, tsErr := times.Stat(path)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	if tsErr == nil {
		if err := os.Chtimes(path, ts.AccessTime(), ts.ModTime()); err != nil {
			logger.Debugf("Could not restore times on %s: %v", path, err)
		}
	}
	return nil
}

func digest(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
